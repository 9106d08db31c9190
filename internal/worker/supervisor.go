package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/replicate/go/logging"

	"github.com/replicate/model-runner/internal/ipc"
	"github.com/replicate/model-runner/internal/util"
)

var logger = logging.New("model-runner-worker")

var (
	ErrDefunct      = errors.New("worker is defunct")
	ErrInvalidState = errors.New("operation invalid in current worker state")
	ErrSetupFailed  = errors.New("predictor setup failed")
)

// FatalErrorDetail is the generic message attached to the in-flight
// prediction when the child dies before delivering its Done.
const FatalErrorDetail = "Prediction failed for an unknown reason. It might have run out of memory or crashed."

const pollInterval = 100 * time.Millisecond

type State int

const (
	StateNew State = iota
	StateStarting
	StateReady
	StateProcessing
	StateDefunct
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateProcessing:
		return "PROCESSING"
	case StateDefunct:
		return "DEFUNCT"
	default:
		return "INVALID"
	}
}

type Config struct {
	// Command is the worker binary invocation, argv style.
	Command []string
	Dir     string
	Env     []string

	// StateDir, when set, receives a "ready" marker file for orchestration
	// readiness probes.
	StateDir string

	CleanupTimeout time.Duration
}

// killFunc is the function signature for killing processes
type killFunc func(pid int, sig syscall.Signal) error

// Supervisor owns the child predictor process and its IPC endpoints. It is a
// state machine over {NEW, STARTING, READY, PROCESSING, DEFUNCT}; a defunct
// supervisor is single-use garbage and a fresh instance must be created.
type Supervisor struct {
	cfg  Config
	cmd  *exec.Cmd
	conn *ipc.Conn

	mu       sync.Mutex
	state    State
	canceled bool // cancellation requested for the current prediction

	subs    map[int]func(ipc.Event)
	nextSub int

	frames  chan ipc.Event
	done    chan ipc.Event
	stopped chan struct{}
	readErr error

	setupLogs []string
	schema    json.RawMessage

	killFn killFunc
}

func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		state:   StateNew,
		subs:    make(map[int]func(ipc.Event)),
		frames:  make(chan ipc.Event, 128),
		done:    make(chan ipc.Event, 1),
		stopped: make(chan struct{}),
		killFn:  syscall.Kill,
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Schema() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

func (s *Supervisor) SetupLogs() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return util.JoinLogs(s.setupLogs)
}

func (s *Supervisor) ExitCode() int {
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return 0
	}
	return s.cmd.ProcessState.ExitCode()
}

func (s *Supervisor) WaitForStop() {
	<-s.stopped
}

func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}

// Subscribe registers a fan-out callback invoked with every event in
// emission order. Callbacks run on the dispatch goroutine and must not
// block the channel indefinitely.
func (s *Supervisor) Subscribe(fn func(ipc.Event)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return id
}

func (s *Supervisor) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Setup spawns the child and drives STARTING until the setup Done arrives.
// Legal only from NEW. A child death before Done, or Done with the error
// bit set, is fatal.
func (s *Supervisor) Setup(ctx context.Context) error {
	log := logger.Sugar()
	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: setup from %s", ErrInvalidState, state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.mu.Lock()
		s.state = StateDefunct
		s.mu.Unlock()
		return err
	}

	go s.wait()
	go s.read()
	go s.dispatch()

	select {
	case <-ctx.Done():
		s.Terminate()
		return ctx.Err()
	case e, ok := <-s.done:
		if !ok || e.Error {
			s.mu.Lock()
			s.state = StateDefunct
			s.mu.Unlock()
			if e.ErrorDetail != "" {
				return fmt.Errorf("%w: %s", ErrSetupFailed, e.ErrorDetail)
			}
			return ErrSetupFailed
		}
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	s.touchReadyFile()
	log.Infow("worker ready", "pid", s.cmd.Process.Pid)
	return nil
}

func (s *Supervisor) start(ctx context.Context) error {
	log := logger.Sugar()
	if len(s.cfg.Command) == 0 {
		return errors.New("no worker command configured")
	}

	// parent -> child
	childR, parentW, err := os.Pipe()
	if err != nil {
		return err
	}
	// child -> parent
	parentR, childW, err := os.Pipe()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], s.cfg.Command[1:]...) //nolint:gosec // expected subprocess launched with configured command
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.cfg.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childR, childW}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		parentW.Close()
		parentR.Close()
		childR.Close()
		childW.Close()
		return fmt.Errorf("failed to start worker: %w", err)
	}
	// Child holds its own copies now
	childR.Close()
	childW.Close()

	s.cmd = cmd
	s.conn = ipc.NewConn(parentR, parentW)
	log.Infow("worker process started", "pid", cmd.Process.Pid, "command", s.cfg.Command)
	return nil
}

func (s *Supervisor) wait() {
	log := logger.Sugar()
	err := s.cmd.Wait()
	if err != nil {
		log.Errorw("worker process exited with error", "pid", s.cmd.Process.Pid, "error", err)
	} else {
		log.Infow("worker process exited", "pid", s.cmd.Process.Pid)
	}
	close(s.stopped)
}

// read pumps frames from the channel into the bounded dispatch queue. It is
// the single consumer of the read side.
func (s *Supervisor) read() {
	for {
		e, err := s.conn.Receive()
		if err != nil {
			s.readErr = err
			close(s.frames)
			return
		}
		s.frames <- e
	}
}

// dispatch fans events out to subscribers in emission order and synthesizes
// heartbeats while the channel is idle.
func (s *Supervisor) dispatch() {
	log := logger.Sugar()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-s.frames:
			if !ok {
				s.handleEOF()
				return
			}
			s.handleEvent(e)
		case <-ticker.C:
			s.publish(ipc.Event{Type: ipc.EventHeartbeat})
		case <-s.stopped:
			// Drain whatever the child flushed before exiting
			for {
				select {
				case e, ok := <-s.frames:
					if !ok {
						s.handleEOF()
						return
					}
					s.handleEvent(e)
				default:
					log.Debug("worker stopped, dispatch exiting")
					s.handleEOF()
					return
				}
			}
		}
	}
}

func (s *Supervisor) handleEvent(e ipc.Event) {
	s.mu.Lock()
	switch {
	case e.Type == ipc.EventLog && s.state == StateStarting:
		s.setupLogs = append(s.setupLogs, e.Message)
	case e.Type == ipc.EventSchema:
		s.schema = e.Schema
		s.mu.Unlock()
		return
	case e.Type == ipc.EventDone && s.state == StateProcessing:
		s.state = StateReady
		s.canceled = false
	}
	s.mu.Unlock()

	s.publish(e)

	if e.Type == ipc.EventDone {
		select {
		case s.done <- e:
		default:
		}
	}
}

// handleEOF maps an unexpected end-of-stream to a fatal child crash: the
// supervisor goes defunct and the in-flight prediction, if any, receives a
// synthetic failed Done.
func (s *Supervisor) handleEOF() {
	log := logger.Sugar()
	s.mu.Lock()
	state := s.state
	s.state = StateDefunct
	s.mu.Unlock()

	if state == StateProcessing || state == StateStarting {
		log.Errorw("worker channel closed unexpectedly", "state", state.String(), "error", s.readErr)
		e := ipc.Event{Type: ipc.EventDone, Error: true, ErrorDetail: FatalErrorDetail}
		s.publish(e)
		select {
		case s.done <- e:
		default:
		}
		return
	}
	close(s.done)
}

func (s *Supervisor) publish(e ipc.Event) {
	s.mu.Lock()
	fns := make([]func(ipc.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Predict sends one prediction to the child and blocks until its Done has
// been dispatched to subscribers. Legal only from READY.
func (s *Supervisor) Predict(ctx context.Context, id string, payload json.RawMessage) (ipc.Event, error) {
	s.mu.Lock()
	switch s.state {
	case StateDefunct:
		s.mu.Unlock()
		return ipc.Event{}, ErrDefunct
	case StateReady:
	default:
		state := s.state
		s.mu.Unlock()
		return ipc.Event{}, fmt.Errorf("%w: predict from %s", ErrInvalidState, state)
	}
	s.state = StateProcessing
	s.canceled = false
	s.mu.Unlock()

	if err := s.conn.Send(ipc.PredictionInput(id, payload)); err != nil {
		s.mu.Lock()
		s.state = StateDefunct
		s.mu.Unlock()
		return ipc.Event{}, fmt.Errorf("failed to send prediction input: %w", err)
	}

	select {
	case <-ctx.Done():
		return ipc.Event{}, ctx.Err()
	case e, ok := <-s.done:
		if !ok {
			return ipc.Event{}, ErrDefunct
		}
		return e, nil
	}
}

// Cancel delivers the cancellation signal to the child, at most once per
// prediction. It is harmless outside PROCESSING and under repeated calls.
func (s *Supervisor) Cancel() error {
	log := logger.Sugar()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateProcessing || s.canceled {
		return nil
	}
	if s.cmd == nil || s.cmd.Process == nil || s.cmd.ProcessState != nil {
		return nil
	}
	s.canceled = true
	log.Infow("sending cancel signal", "pid", s.cmd.Process.Pid)
	return s.killFn(s.cmd.Process.Pid, syscall.SIGUSR1)
}

// Shutdown requests graceful termination: the child drains the current
// prediction and exits. After the timeout the process group is killed.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	log := logger.Sugar()
	s.mu.Lock()
	if s.state == StateNew || s.state == StateDefunct || s.cmd == nil {
		s.state = StateDefunct
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.conn.Send(ipc.Event{Type: ipc.EventShutdown}); err != nil {
		log.Warnw("failed to send shutdown event, terminating", "error", err)
		s.Terminate()
		return nil
	}

	if timeout <= 0 {
		s.Terminate()
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.stopped:
	case <-timer.C:
		log.Warnw("grace period expired, force killing", "grace_period", timeout)
		s.Terminate()
	}
	return nil
}

// Terminate forcibly kills the child process group. The supervisor is
// invalid afterwards.
func (s *Supervisor) Terminate() {
	log := logger.Sugar()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDefunct
	if s.cmd == nil || s.cmd.Process == nil || s.cmd.ProcessState != nil {
		return
	}
	log.Infow("force killing worker process group", "pid", s.cmd.Process.Pid)
	if err := s.killFn(-s.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Errorw("failed to kill process group", "pid", s.cmd.Process.Pid, "error", err)
	}
}

func (s *Supervisor) touchReadyFile() {
	log := logger.Sugar()
	if s.cfg.StateDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		log.Errorw("failed to create state directory", "dir", s.cfg.StateDir, "error", err)
		return
	}
	p := filepath.Join(s.cfg.StateDir, "ready")
	if err := os.WriteFile(p, []byte{}, 0o644); err != nil { //nolint:gosec // readiness marker is world-readable
		log.Errorw("failed to write ready file", "path", p, "error", err)
	}
}
