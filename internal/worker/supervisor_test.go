package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/model-runner/internal/child"
	"github.com/replicate/model-runner/internal/ipc"
	"github.com/replicate/model-runner/predictor"
)

// The test binary doubles as the worker: when the predictor env var is set,
// TestMain runs the child loop instead of the test suite.
const predictorEnv = "MODEL_WORKER_TEST_PREDICTOR"

func TestMain(m *testing.M) {
	if name := os.Getenv(predictorEnv); name != "" {
		registerTestPredictors()
		if err := child.Run(context.Background(), child.Config{PredictorName: name}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type echoPredictor struct{}

func (echoPredictor) Setup(ctx context.Context, weights string) error {
	fmt.Println("booting echo")
	return nil
}

func (echoPredictor) Predict(ctx context.Context, input map[string]any) (any, error) {
	fmt.Println("processing")
	fmt.Fprintln(os.Stderr, "diagnostics")
	return fmt.Sprintf("echo: %v", input["text"]), nil
}

func (echoPredictor) Schema() (json.RawMessage, error) {
	return json.RawMessage(`{"openapi":"3.0.2","info":{"title":"echo","version":"1.0.0"},"paths":{},"components":{"schemas":{"Input":{"type":"object","properties":{"text":{"type":"string"}}}}}}`), nil
}

type streamPredictor struct{}

func (streamPredictor) Setup(ctx context.Context, weights string) error { return nil }

func (streamPredictor) Predict(ctx context.Context, input map[string]any) (any, error) {
	return func(yield func(any) bool) {
		for _, v := range []any{"a", "b", "c"} {
			if !yield(v) {
				return
			}
		}
	}, nil
}

type boomPredictor struct{}

func (boomPredictor) Setup(ctx context.Context, weights string) error { return nil }
func (boomPredictor) Predict(ctx context.Context, input map[string]any) (any, error) {
	return nil, fmt.Errorf("boom error")
}

type sleepyPredictor struct{}

func (sleepyPredictor) Setup(ctx context.Context, weights string) error { return nil }
func (sleepyPredictor) Predict(ctx context.Context, input map[string]any) (any, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-time.After(30 * time.Second):
		return "overslept", nil
	}
}

type crashPredictor struct{}

func (crashPredictor) Setup(ctx context.Context, weights string) error { return nil }
func (crashPredictor) Predict(ctx context.Context, input map[string]any) (any, error) {
	os.Exit(7)
	return nil, nil
}

type badSetupPredictor struct{}

func (badSetupPredictor) Setup(ctx context.Context, weights string) error {
	fmt.Println("downloading weights")
	return fmt.Errorf("weights not found")
}
func (badSetupPredictor) Predict(ctx context.Context, input map[string]any) (any, error) {
	return nil, nil
}

func registerTestPredictors() {
	predictor.Register("echo", func() predictor.Predictor { return echoPredictor{} })
	predictor.Register("stream", func() predictor.Predictor { return streamPredictor{} })
	predictor.Register("boom", func() predictor.Predictor { return boomPredictor{} })
	predictor.Register("sleepy", func() predictor.Predictor { return sleepyPredictor{} })
	predictor.Register("crash", func() predictor.Predictor { return crashPredictor{} })
	predictor.Register("badsetup", func() predictor.Predictor { return badSetupPredictor{} })
}

func newTestSupervisor(t *testing.T, name string) *Supervisor {
	t.Helper()
	s := NewSupervisor(Config{
		Command:        []string{os.Args[0]},
		Env:            append(os.Environ(), predictorEnv+"="+name),
		CleanupTimeout: time.Second,
	})
	t.Cleanup(s.Terminate)
	return s
}

type eventCollector struct {
	mu     sync.Mutex
	events []ipc.Event
}

func (c *eventCollector) collect(e ipc.Event) {
	if e.Type == ipc.EventHeartbeat {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) byType(et ipc.EventType) []ipc.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ipc.Event
	for _, e := range c.events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func TestSupervisorLifecycle(t *testing.T) {
	s := newTestSupervisor(t, "echo")

	require.NoError(t, s.Setup(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Contains(t, s.SetupLogs(), "booting echo")
	assert.NotEmpty(t, s.Schema())

	c := &eventCollector{}
	id := s.Subscribe(c.collect)
	defer s.Unsubscribe(id)

	done, err := s.Predict(context.Background(), "p01", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.False(t, done.Error)
	assert.False(t, done.Canceled)
	assert.Equal(t, StateReady, s.State())

	outputs := c.byType(ipc.EventOutput)
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `"echo: hi"`, string(outputs[0].Payload))

	types := c.byType(ipc.EventOutputType)
	require.Len(t, types, 1)
	assert.False(t, types[0].Multi)

	var stdout, stderr []string
	for _, e := range c.byType(ipc.EventLog) {
		switch e.Source {
		case ipc.SourceStdout:
			stdout = append(stdout, e.Message)
		case ipc.SourceStderr:
			stderr = append(stderr, e.Message)
		}
	}
	assert.Contains(t, stdout, "processing")
	assert.Contains(t, stderr, "diagnostics")

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
	assert.Equal(t, 0, s.ExitCode())
}

func TestSupervisorStream(t *testing.T) {
	s := newTestSupervisor(t, "stream")
	require.NoError(t, s.Setup(context.Background()))

	c := &eventCollector{}
	id := s.Subscribe(c.collect)
	defer s.Unsubscribe(id)

	done, err := s.Predict(context.Background(), "p01", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, done.Error)

	types := c.byType(ipc.EventOutputType)
	require.Len(t, types, 1)
	assert.True(t, types[0].Multi)

	outputs := c.byType(ipc.EventOutput)
	require.Len(t, outputs, 3)
	assert.JSONEq(t, `"a"`, string(outputs[0].Payload))
	assert.JSONEq(t, `"b"`, string(outputs[1].Payload))
	assert.JSONEq(t, `"c"`, string(outputs[2].Payload))

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
}

func TestSupervisorPredictError(t *testing.T) {
	s := newTestSupervisor(t, "boom")
	require.NoError(t, s.Setup(context.Background()))

	done, err := s.Predict(context.Background(), "p01", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, done.Error)
	assert.Contains(t, done.ErrorDetail, "boom error")
	assert.Equal(t, StateReady, s.State(), "a failed prediction does not poison the worker")

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
}

func TestSupervisorCancel(t *testing.T) {
	s := newTestSupervisor(t, "sleepy")
	require.NoError(t, s.Setup(context.Background()))

	type result struct {
		done ipc.Event
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		done, err := s.Predict(context.Background(), "p01", json.RawMessage(`{}`))
		ch <- result{done, err}
	}()

	require.Eventually(t, func() bool {
		return s.State() == StateProcessing
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Cancel())

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.True(t, r.done.Canceled)
		assert.False(t, r.done.Error)
	case <-time.After(10 * time.Second):
		t.Fatal("prediction did not complete after cancel")
	}
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
}

func TestSupervisorCancelIdempotent(t *testing.T) {
	s := newTestSupervisor(t, "echo")
	require.NoError(t, s.Setup(context.Background()))

	// No prediction in flight, both calls are no-ops
	require.NoError(t, s.Cancel())
	require.NoError(t, s.Cancel())

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
}

func TestSupervisorCrash(t *testing.T) {
	s := newTestSupervisor(t, "crash")
	require.NoError(t, s.Setup(context.Background()))

	done, err := s.Predict(context.Background(), "p01", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, done.Error)
	assert.Equal(t, FatalErrorDetail, done.ErrorDetail)

	s.WaitForStop()
	assert.Equal(t, StateDefunct, s.State())
	assert.Equal(t, 7, s.ExitCode())

	_, err = s.Predict(context.Background(), "p02", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrDefunct)
}

func TestSupervisorSetupFailure(t *testing.T) {
	s := newTestSupervisor(t, "badsetup")

	err := s.Setup(context.Background())
	require.ErrorIs(t, err, ErrSetupFailed)
	assert.Contains(t, err.Error(), "weights not found")
	assert.Contains(t, s.SetupLogs(), "downloading weights")
	assert.Equal(t, StateDefunct, s.State())
}

func TestSupervisorSetupInvalidFromNonNew(t *testing.T) {
	s := newTestSupervisor(t, "echo")
	require.NoError(t, s.Setup(context.Background()))

	err := s.Setup(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
}

func TestSupervisorReadyFile(t *testing.T) {
	stateDir := t.TempDir()
	s := NewSupervisor(Config{
		Command:        []string{os.Args[0]},
		Env:            append(os.Environ(), predictorEnv+"=echo"),
		StateDir:       stateDir,
		CleanupTimeout: time.Second,
	})
	t.Cleanup(s.Terminate)

	require.NoError(t, s.Setup(context.Background()))
	_, err := os.Stat(stateDir + "/ready")
	assert.NoError(t, err)

	require.NoError(t, s.Shutdown(5*time.Second))
	s.WaitForStop()
}
