package child

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/replicate/model-runner/internal/ipc"
	"github.com/replicate/model-runner/predictor"
)

// CancelSignal is the pre-agreed asynchronous signal the parent delivers to
// request cancellation of the in-flight prediction.
const CancelSignal = syscall.SIGUSR1

type Config struct {
	PredictorName string
	Weights       string
	Tee           bool
}

// Worker hosts one predictor instance: setup once, then a request loop that
// services one prediction at a time.
type Worker struct {
	conn        *ipc.Conn
	interceptor *Interceptor
	pred        predictor.Predictor
	cfg         Config
	logger      *zap.Logger

	// cancel holds the CancelCauseFunc for the running prediction; nil
	// outside the user code region so supervisor plumbing is never unwound.
	cancel   atomic.Pointer[context.CancelCauseFunc]
	canceled atomic.Bool
}

// Run is the child process entrypoint. It returns only after a Shutdown
// event or a fatal channel failure.
func Run(ctx context.Context, cfg Config) error {
	conn := ipc.ChildConn()

	interceptor, err := Intercept(conn, cfg.Tee)
	if err != nil {
		return fmt.Errorf("failed to intercept output streams: %w", err)
	}
	defer interceptor.Close()

	w := &Worker{
		conn:        conn,
		interceptor: interceptor,
		cfg:         cfg,
		logger:      interceptor.Logger("model-worker"),
	}
	return w.run(ctx)
}

func (w *Worker) run(ctx context.Context) error {
	log := w.logger.Sugar()

	// A missing predictor is a build problem, exit non-zero
	factory, err := predictor.Lookup(w.cfg.PredictorName)
	if err != nil {
		return fmt.Errorf("failed to resolve predictor: %w", err)
	}
	w.pred = factory()

	w.armSignalHandler(ctx)

	setupErr := w.setup(ctx)
	w.interceptor.Drain()
	if setupErr != nil {
		log.Errorw("setup failed", "error", setupErr)
		if err := w.conn.Send(ipc.Done(false, setupErr.Error())); err != nil {
			return err
		}
		// The parent decides whether to keep the process around; keep
		// reading so Shutdown still works
	} else {
		if err := w.conn.Send(ipc.Done(false, "")); err != nil {
			return err
		}
		if err := w.sendSchema(); err != nil {
			log.Errorw("failed to send schema", "error", err)
		}
	}

	for {
		e, err := w.conn.Receive()
		if errors.Is(err, io.EOF) {
			log.Warn("channel closed by parent, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive event: %w", err)
		}
		switch e.Type {
		case ipc.EventPredictionInput:
			if setupErr != nil {
				_ = w.conn.Send(ipc.Done(false, "predictor setup failed"))
				continue
			}
			w.predict(ctx, e)
		case ipc.EventCancel:
			// Signal delivery is the primary path; the framed form covers
			// transports where signaling is unavailable
			w.triggerCancel()
		case ipc.EventShutdown:
			log.Info("shutdown requested")
			w.interceptor.Drain()
			return nil
		default:
			log.Warnw("unexpected event", "type", e.Type)
		}
	}
}

func (w *Worker) setup(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panicked: %v", r)
		}
	}()
	return w.pred.Setup(ctx, w.cfg.Weights)
}

func (w *Worker) sendSchema() error {
	provider, ok := w.pred.(predictor.SchemaProvider)
	if !ok {
		return nil
	}
	schema, err := provider.Schema()
	if err != nil {
		return err
	}
	return w.conn.Send(ipc.Event{Type: ipc.EventSchema, Schema: schema})
}

// armSignalHandler installs the cancellation signal handler once. The
// handler only acts while a prediction's cancel func is armed.
func (w *Worker) armSignalHandler(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, CancelSignal)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				w.triggerCancel()
			}
		}
	}()
}

func (w *Worker) triggerCancel() {
	if cancel := w.cancel.Load(); cancel != nil {
		w.canceled.Store(true)
		(*cancel)(predictor.ErrCanceled)
	}
}

// predict runs one prediction: exactly one OutputType, zero or more Outputs,
// exactly one Done, with a drain before the Done so logs stay attributed.
func (w *Worker) predict(ctx context.Context, e ipc.Event) {
	log := w.logger.Sugar()

	var input map[string]any
	if err := json.Unmarshal(e.Payload, &input); err != nil {
		w.finish(false, fmt.Sprintf("invalid prediction input: %s", err))
		return
	}

	predCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.canceled.Store(false)
	w.cancel.Store(&cancel)

	out, err := w.runUserCode(predCtx, input)

	switch {
	case err != nil:
		w.cancel.Store(nil)
		// Cancellation wins over an error raised during unwind
		if w.canceled.Load() || errors.Is(err, predictor.ErrCanceled) || errors.Is(context.Cause(predCtx), predictor.ErrCanceled) {
			w.finish(true, "")
		} else {
			w.finish(false, err.Error())
		}
		return
	default:
	}

	if stream, ok := predictor.AsStream(out); ok {
		if err := w.conn.Send(ipc.OutputType(true)); err != nil {
			log.Errorw("failed to send output type", "error", err)
			return
		}
		streamErr := w.iterate(predCtx, stream)
		w.cancel.Store(nil)
		if streamErr != nil {
			if w.canceled.Load() || errors.Is(streamErr, predictor.ErrCanceled) {
				w.finish(true, "")
			} else {
				w.finish(false, streamErr.Error())
			}
			return
		}
		if w.canceled.Load() {
			w.finish(true, "")
			return
		}
		w.finish(false, "")
		return
	}

	// Single output; user code already finished, disarm before encoding
	w.cancel.Store(nil)
	if err := w.conn.Send(ipc.OutputType(false)); err != nil {
		log.Errorw("failed to send output type", "error", err)
		return
	}
	if err := w.sendOutput(out); err != nil {
		w.finish(false, fmt.Sprintf("failed to encode output: %s", err))
		return
	}
	if w.canceled.Load() {
		w.finish(true, "")
		return
	}
	w.finish(false, "")
}

func (w *Worker) runUserCode(ctx context.Context, input map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predict panicked: %v", r)
		}
	}()
	return w.pred.Predict(ctx, input)
}

// iterate drives a lazy stream, sending one Output per yielded element.
// Cancellation between elements stops the iteration.
func (w *Worker) iterate(ctx context.Context, stream func(func(any) bool)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predict panicked: %v", r)
		}
	}()
	stream(func(v any) bool {
		if ctx.Err() != nil {
			return false
		}
		if sendErr := w.sendOutput(v); sendErr != nil {
			err = sendErr
			return false
		}
		return true
	})
	if err == nil && w.canceled.Load() {
		err = predictor.ErrCanceled
	}
	return err
}

func (w *Worker) sendOutput(v any) error {
	if v == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	return w.conn.Send(ipc.Output(payload))
}

// finish drains the interceptor and sends the terminal Done for the current
// prediction.
func (w *Worker) finish(canceled bool, errorDetail string) {
	w.cancel.Store(nil)
	w.interceptor.Drain()
	if canceled {
		errorDetail = ""
	}
	if err := w.conn.Send(ipc.Done(canceled, errorDetail)); err != nil {
		w.logger.Sugar().Errorw("failed to send done", "error", err)
	}
}
