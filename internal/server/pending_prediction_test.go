package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/model-runner/internal/ipc"
	"github.com/replicate/model-runner/internal/webhook"
)

func newTestPending(t *testing.T, sender *webhook.Sender) *PendingPrediction {
	t.Helper()
	req := PredictionRequest{
		Input:     map[string]any{"name": "world"},
		Id:        "p01",
		CreatedAt: "2026-01-02T03:04:05.000000+00:00",
	}
	return newPendingPrediction(req, sender, nil, true)
}

func TestPendingPredictionLogs(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.Log(ipc.SourceStdout, "line one"))
	pr.handleEvent(ipc.Log(ipc.SourceStderr, "line two"))

	resp := pr.snapshot()
	assert.Equal(t, "line one\nline two\n", resp.Logs)
	assert.Equal(t, PredictionProcessing, resp.Status)
	assert.NotEmpty(t, resp.StartedAt)
}

func TestPendingPredictionSingleOutput(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.OutputType(false))
	pr.handleEvent(ipc.Output(json.RawMessage(`"hello, world!"`)))
	pr.handleEvent(ipc.Done(false, ""))

	resp := <-pr.c
	assert.Equal(t, PredictionSucceeded, resp.Status)
	assert.Equal(t, "hello, world!", resp.Output)
	assert.NotEmpty(t, resp.CompletedAt)
	require.Contains(t, resp.Metrics, "predict_time")
	assert.GreaterOrEqual(t, resp.Metrics["predict_time"].(float64), 0.0)
}

func TestPendingPredictionMultiOutput(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.OutputType(true))
	pr.handleEvent(ipc.Output(json.RawMessage(`"a"`)))
	pr.handleEvent(ipc.Output(json.RawMessage(`"b"`)))
	pr.handleEvent(ipc.Output(json.RawMessage(`"c"`)))
	pr.handleEvent(ipc.Done(false, ""))

	resp := <-pr.c
	assert.Equal(t, PredictionSucceeded, resp.Status)
	assert.Equal(t, []any{"a", "b", "c"}, resp.Output)
}

func TestPendingPredictionEmptyStream(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.OutputType(true))
	pr.handleEvent(ipc.Done(false, ""))

	resp := <-pr.c
	assert.Equal(t, PredictionSucceeded, resp.Status)
	assert.Equal(t, []any{}, resp.Output, "empty stream yields an empty list, not null")
}

func TestPendingPredictionFailure(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.Done(false, "model exploded"))

	resp := <-pr.c
	assert.Equal(t, PredictionFailed, resp.Status)
	assert.Equal(t, "model exploded", resp.Error)
	assert.NotContains(t, resp.Metrics, "predict_time")
}

func TestPendingPredictionCanceled(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.OutputType(true))
	pr.handleEvent(ipc.Output(json.RawMessage(`"partial"`)))
	pr.handleEvent(ipc.Done(true, ""))

	resp := <-pr.c
	assert.Equal(t, PredictionCanceled, resp.Status)
	assert.Equal(t, []any{"partial"}, resp.Output, "output emitted before cancel is preserved")
	assert.Empty(t, resp.Error)
}

func TestPendingPredictionTimedOut(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.timedOut.Store(true)
	pr.handleEvent(ipc.Done(true, ""))

	resp := <-pr.c
	assert.Equal(t, PredictionFailed, resp.Status)
	assert.Equal(t, "Prediction timed out", resp.Error)
}

func TestPendingPredictionIgnoresEventsAfterDone(t *testing.T) {
	pr := newTestPending(t, nil)
	pr.markStarted()
	pr.handleEvent(ipc.Done(false, ""))
	<-pr.c

	pr.handleEvent(ipc.Log(ipc.SourceStdout, "late line"))
	pr.handleEvent(ipc.Output(json.RawMessage(`"late output"`)))

	resp := pr.snapshot()
	assert.Empty(t, resp.Logs)
	assert.Nil(t, resp.Output)
}

func TestPendingPredictionOutputCache(t *testing.T) {
	var mu sync.Mutex
	uploads := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		uploads++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := writeTempFile(t, "frame.txt", "frame data")
	req := PredictionRequest{
		Input:            map[string]any{},
		Id:               "p02",
		CreatedAt:        "2026-01-02T03:04:05.000000+00:00",
		OutputFilePrefix: srv.URL + "/out",
	}
	pr := newPendingPrediction(req, nil, nil, true)
	pr.markStarted()
	pr.handleEvent(ipc.OutputType(true))

	leaf, err := json.Marshal("file://" + p)
	require.NoError(t, err)
	pr.handleEvent(ipc.Output(leaf))
	pr.handleEvent(ipc.Output(leaf))
	pr.handleEvent(ipc.Done(false, ""))

	resp := <-pr.c
	outputs := resp.Output.([]any)
	require.Len(t, outputs, 2)
	assert.Equal(t, outputs[0], outputs[1])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, uploads, "identical leaf re-emitted by a stream is uploaded once")
}

func TestPendingPredictionUploaderPrefixOverride(t *testing.T) {
	var mu sync.Mutex
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	serverWide := newUploader("http://unused.invalid")
	req := PredictionRequest{
		Input:            map[string]any{},
		Id:               "p03",
		CreatedAt:        "2026-01-02T03:04:05.000000+00:00",
		OutputFilePrefix: srv.URL + "/override",
	}
	pr := newPendingPrediction(req, nil, serverWide, true)
	require.NotNil(t, pr.uploader)
	assert.NotSame(t, serverWide, pr.uploader, "request prefix takes precedence over the server-wide target")

	pr.markStarted()
	pr.handleEvent(ipc.OutputType(true))
	for _, name := range []string{"a.txt", "b.txt"} {
		p := writeTempFile(t, name, name)
		leaf, err := json.Marshal("file://" + p)
		require.NoError(t, err)
		pr.handleEvent(ipc.Output(leaf))
	}
	pr.handleEvent(ipc.Done(false, ""))
	<-pr.c

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/override/a.txt", "/override/b.txt"}, gotPaths)
}

func TestPendingPredictionWebhooks(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := webhook.NewSender(srv.URL, nil, webhook.Config{ThrottleInterval: 0})
	pr := newTestPending(t, sender)
	pr.markStarted()
	pr.handleEvent(ipc.Log(ipc.SourceStdout, "working"))
	pr.handleEvent(ipc.OutputType(false))
	pr.handleEvent(ipc.Output(json.RawMessage(`"done!"`)))
	pr.handleEvent(ipc.Done(false, ""))
	<-pr.c

	// Every delivery is dispatched on its own goroutine
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, b := range bodies {
			var resp PredictionResponse
			if json.Unmarshal([]byte(b), &resp) == nil && resp.Status == PredictionSucceeded {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) >= 2
	}, 5*time.Second, 10*time.Millisecond, "intermediate and terminal snapshots delivered")
}
