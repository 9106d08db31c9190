package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/replicate/model-runner/internal/ipc"
	"github.com/replicate/model-runner/internal/util"
	"github.com/replicate/model-runner/internal/webhook"
)

// PendingPrediction aggregates the event stream of one prediction into a
// live response object and drives the webhook sender. It subscribes for the
// duration of the prediction; no event is processed after Done.
type PendingPrediction struct {
	request  PredictionRequest
	response PredictionResponse
	multi    bool

	inputPaths  []string
	outputPaths []string
	outputCache map[string]string

	sender   *webhook.Sender
	uploader *uploader
	timedOut atomic.Bool

	mu       sync.Mutex
	c        chan PredictionResponse
	terminal chan struct{}
}

func newPendingPrediction(req PredictionRequest, sender *webhook.Sender, up *uploader, sync bool) *PendingPrediction {
	// A per-request prefix overrides the server-wide upload target
	if req.OutputFilePrefix != "" {
		up = newUploader(req.OutputFilePrefix)
	}
	pr := &PendingPrediction{
		request: req,
		response: PredictionResponse{
			Input:     req.Input,
			Id:        req.Id,
			CreatedAt: req.CreatedAt,
		},
		outputCache: make(map[string]string),
		sender:      sender,
		uploader:    up,
		terminal:    make(chan struct{}),
	}
	if sync {
		pr.c = make(chan PredictionResponse, 1)
	}
	return pr
}

// markStarted transitions the response out of STARTING; started_at is set
// exactly once, here.
func (pr *PendingPrediction) markStarted() {
	pr.mu.Lock()
	pr.response.Status = PredictionProcessing
	pr.response.StartedAt = util.NowIso()
	pr.mu.Unlock()
	pr.offerWebhook(webhook.EventStart)
}

// handleEvent is the supervisor subscription callback. Events arrive in
// emission order on the dispatch goroutine.
func (pr *PendingPrediction) handleEvent(e ipc.Event) {
	if pr.isTerminal() {
		// Defensive no-op: nothing mutates a completed prediction
		return
	}
	switch e.Type {
	case ipc.EventLog:
		pr.appendLogLine(e.Message)
		pr.offerWebhook(webhook.EventLogs)
	case ipc.EventOutputType:
		pr.mu.Lock()
		pr.multi = e.Multi
		if e.Multi {
			pr.response.Output = []any{}
		}
		pr.mu.Unlock()
	case ipc.EventOutput:
		pr.handleOutput(e)
	case ipc.EventDone:
		pr.handleDone(e)
	case ipc.EventHeartbeat:
		// No state change; a throttled update keeps slow consumers current
		pr.mu.Lock()
		started := pr.response.Status == PredictionProcessing
		pr.mu.Unlock()
		if started {
			pr.offerWebhook(webhook.EventLogs)
		}
	}
}

func (pr *PendingPrediction) appendLogLine(line string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.response.Logs += fmt.Sprintln(line)
}

func (pr *PendingPrediction) handleOutput(e ipc.Event) {
	log := logger.Sugar()
	var v any
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		log.Errorw("failed to decode output payload", "id", pr.request.Id, "error", err)
		return
	}

	encoded, err := pr.encodeOutput(v)
	if err != nil {
		log.Errorw("failed to encode output", "id", pr.request.Id, "error", err)
		pr.mu.Lock()
		pr.response.Status = PredictionFailed
		pr.response.Error = fmt.Sprintf("failed to encode output: %s", err)
		pr.mu.Unlock()
		return
	}

	pr.mu.Lock()
	if pr.multi {
		// Streamed outputs only ever grow; earlier elements are never
		// rewritten
		outputs, _ := pr.response.Output.([]any)
		pr.response.Output = append(outputs, encoded)
	} else {
		pr.response.Output = encoded
	}
	pr.mu.Unlock()
	pr.offerWebhook(webhook.EventOutput)
}

// encodeOutput walks the payload and rewrites file-typed leaves to upload
// URLs or data URLs. Already-encoded leaves are served from the cache so a
// stream that re-emits the same path is not re-uploaded.
func (pr *PendingPrediction) encodeOutput(v any) (any, error) {
	outputFn := outputToDataURL
	if pr.uploader != nil {
		outputFn = pr.uploader.process(pr.request.Id)
	}
	cachedFn := func(s string, paths *[]string) (string, error) {
		if cached, ok := pr.outputCache[s]; ok {
			return cached, nil
		}
		o, err := outputFn(s, paths)
		if err != nil {
			return "", err
		}
		if o != s {
			pr.outputCache[s] = o
		}
		return o, nil
	}
	return handlePath(v, &pr.outputPaths, cachedFn)
}

func (pr *PendingPrediction) handleDone(e ipc.Event) {
	log := logger.Sugar()

	pr.mu.Lock()
	switch {
	case pr.timedOut.Load():
		pr.response.Status = PredictionFailed
		pr.response.Error = "Prediction timed out"
	case e.Canceled:
		pr.response.Status = PredictionCanceled
	case e.Error:
		pr.response.Status = PredictionFailed
		pr.response.Error = e.ErrorDetail
	default:
		pr.response.Status = PredictionSucceeded
	}
	pr.response.CompletedAt = util.NowIso()

	if pr.response.Status == PredictionSucceeded {
		completedAt, cErr := util.ParseTime(pr.response.CompletedAt)
		startedAt, sErr := util.ParseTime(pr.response.StartedAt)
		if cErr == nil && sErr == nil {
			if pr.response.Metrics == nil {
				pr.response.Metrics = make(map[string]any)
			}
			pr.response.Metrics["predict_time"] = completedAt.Sub(startedAt).Seconds()
		}
	}
	pr.mu.Unlock()

	log.Infow("prediction completed", "id", pr.request.Id, "status", pr.response.Status)

	// Terminal delivery retries in the background; the slot is released as
	// soon as dispatch is initiated
	snapshot := pr.snapshot()
	go pr.sender.Send(snapshot, webhook.EventCompleted, true)

	pr.cleanupTempFiles()
	pr.sendResponse()
	close(pr.terminal)
}

func (pr *PendingPrediction) isTerminal() bool {
	select {
	case <-pr.terminal:
		return true
	default:
		return false
	}
}

func (pr *PendingPrediction) snapshot() PredictionResponse {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.response
}

func (pr *PendingPrediction) offerWebhook(event webhook.Event) {
	pr.mu.Lock()
	started := pr.response.Status != ""
	snapshot := pr.response
	pr.mu.Unlock()
	if !started {
		// Never report a prediction that has not entered STARTING yet
		return
	}
	// Delivery must not stall event fan-out; the throttle bounds how many of
	// these goroutines actually hit the wire
	go pr.sender.Send(snapshot, event, false)
}

func (pr *PendingPrediction) sendResponse() {
	if pr.c == nil {
		return
	}
	pr.c <- pr.snapshot()
}

func (pr *PendingPrediction) cleanupTempFiles() {
	log := logger.Sugar()
	for _, p := range pr.inputPaths {
		if err := os.Remove(p); err != nil {
			log.Errorw("failed to delete input file", "path", p, "error", err)
			continue
		}
		// URL-sourced inputs live in their own temp dir
		_ = os.Remove(filepath.Dir(p))
	}
	// Output files belong to the predictor; some models return hard-coded
	// baked-in files, so they are not deleted here.
}
