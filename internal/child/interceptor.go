package child

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/replicate/model-runner/internal/ipc"
)

// Sentinels are written inline to the intercepted streams. Drain tokens carry
// a sequence number so concurrent drains cannot satisfy each other.
const (
	drainMark = "\x00drain:"
	closeMark = "\x00close\x00"
)

// Interceptor redirects the process's stdout and stderr into Log events on
// the IPC channel. Partial lines are held until a newline or a drain. When
// tee is enabled, lines are also mirrored to the original descriptors.
type Interceptor struct {
	conn *ipc.Conn
	tee  bool

	origStdout *os.File
	origStderr *os.File

	drainSeq atomic.Uint64
	tokens   chan string
	wg       sync.WaitGroup
}

// Intercept replaces fds 1 and 2 with pipes and starts the reader goroutines.
// The original descriptors are preserved for teeing and for runtime-internal
// logging that must not be attributed to the prediction.
func Intercept(conn *ipc.Conn, tee bool) (*Interceptor, error) {
	i := &Interceptor{
		conn:   conn,
		tee:    tee,
		tokens: make(chan string, 4),
	}

	saveFd := func(fd int) (*os.File, error) {
		dup, err := syscall.Dup(fd)
		if err != nil {
			return nil, fmt.Errorf("failed to dup fd %d: %w", fd, err)
		}
		syscall.CloseOnExec(dup)
		return os.NewFile(uintptr(dup), fmt.Sprintf("orig-fd-%d", fd)), nil
	}

	var err error
	if i.origStdout, err = saveFd(1); err != nil {
		return nil, err
	}
	if i.origStderr, err = saveFd(2); err != nil {
		return nil, err
	}

	redirect := func(fd int, source ipc.LogSource, orig *os.File) error {
		r, w, err := os.Pipe()
		if err != nil {
			return err
		}
		if err := syscall.Dup2(int(w.Fd()), fd); err != nil {
			return fmt.Errorf("failed to redirect fd %d: %w", fd, err)
		}
		// fd now holds the write end; the original *os.File is redundant
		w.Close()
		i.wg.Add(1)
		go i.scan(r, source, orig)
		return nil
	}

	if err := redirect(1, ipc.SourceStdout, i.origStdout); err != nil {
		return nil, err
	}
	if err := redirect(2, ipc.SourceStderr, i.origStderr); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Interceptor) scan(r *os.File, source ipc.LogSource, orig *os.File) {
	defer i.wg.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, closeMark); idx >= 0 {
			i.emit(source, line[:idx], orig)
			return
		}
		if idx := strings.Index(line, drainMark); idx >= 0 {
			i.emit(source, line[:idx], orig)
			i.tokens <- string(source) + ":" + line[idx+len(drainMark):]
			continue
		}
		i.emit(source, line, orig)
	}
}

func (i *Interceptor) emit(source ipc.LogSource, line string, orig *os.File) {
	if line == "" {
		return
	}
	// Errors here mean the parent is gone; there is nowhere left to report
	_ = i.conn.Send(ipc.Log(source, line))
	if i.tee {
		fmt.Fprintln(orig, line)
	}
}

// Drain flushes both streams: every byte written before the call is
// observable by the parent when Drain returns.
func (i *Interceptor) Drain() {
	n := i.drainSeq.Add(1)
	token := fmt.Sprintf("%d", n)
	fmt.Fprintf(os.Stdout, "%s%s\n", drainMark, token)
	fmt.Fprintf(os.Stderr, "%s%s\n", drainMark, token)

	want := map[string]bool{
		string(ipc.SourceStdout) + ":" + token: true,
		string(ipc.SourceStderr) + ":" + token: true,
	}
	for len(want) > 0 {
		got := <-i.tokens
		delete(want, got)
	}
}

// Close restores the original descriptors and stops the readers via the
// close sentinel. Pending partial lines are delivered first.
func (i *Interceptor) Close() error {
	fmt.Fprintf(os.Stdout, "%s\n", closeMark)
	fmt.Fprintf(os.Stderr, "%s\n", closeMark)
	i.wg.Wait()

	if err := syscall.Dup2(int(i.origStdout.Fd()), 1); err != nil {
		return err
	}
	if err := syscall.Dup2(int(i.origStderr.Fd()), 2); err != nil {
		return err
	}
	return nil
}

// Logger builds a zap logger on the saved stderr so runtime-internal logs
// bypass interception and never leak into prediction logs.
func (i *Interceptor) Logger(name string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(i.origStderr),
		zapcore.InfoLevel,
	)
	return zap.New(core).Named(name)
}
