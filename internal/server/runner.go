package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/replicate/go/logging"

	"github.com/replicate/model-runner/internal/config"
	"github.com/replicate/model-runner/internal/ipc"
	"github.com/replicate/model-runner/internal/util"
	"github.com/replicate/model-runner/internal/webhook"
)

var logger = logging.New("model-runner-server")

// cancelGracePeriod bounds how long a timed-out prediction may ignore
// cancellation before the worker is killed.
const cancelGracePeriod = 30 * time.Second

// supervisor is the slice of the worker supervisor the runner depends on.
type supervisor interface {
	Setup(ctx context.Context) error
	Predict(ctx context.Context, id string, payload json.RawMessage) (ipc.Event, error)
	Cancel() error
	Shutdown(timeout time.Duration) error
	Terminate()
	Subscribe(fn func(ipc.Event)) int
	Unsubscribe(id int)
	Schema() json.RawMessage
	SetupLogs() string
	ExitCode() int
	Stopped() <-chan struct{}
	WaitForStop()
}

// Runner owns the single prediction slot. All transitions between READY,
// BUSY and DEFUNCT happen under its mutex; the heavy lifting per prediction
// is delegated to PendingPrediction.
type Runner struct {
	cfg config.Config
	sup supervisor

	mu          sync.Mutex
	status      Status
	setupResult SetupResult
	schema      json.RawMessage
	doc         *openapi3.T
	pending     *PendingPrediction
	shutdown    bool

	uploader *uploader
	tracer   trace.Tracer
}

func NewRunner(cfg config.Config, sup supervisor) *Runner {
	r := &Runner{
		cfg:    cfg,
		sup:    sup,
		status: StatusStarting,
		tracer: otel.Tracer("model-runner"),
	}
	if cfg.UploadURL != "" {
		r.uploader = newUploader(cfg.UploadURL)
	}
	return r
}

// Start launches model setup in the background. The HTTP front end serves
// STARTING until setup completes.
func (r *Runner) Start(ctx context.Context) {
	go r.setup(ctx)
	go r.watchStop()
}

func (r *Runner) setup(ctx context.Context) {
	log := logger.Sugar()

	r.mu.Lock()
	r.setupResult.StartedAt = util.NowIso()
	r.mu.Unlock()

	err := r.sup.Setup(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setupResult.CompletedAt = util.NowIso()
	r.setupResult.Logs = r.sup.SetupLogs()
	if err != nil {
		log.Errorw("model setup failed", "error", err)
		r.setupResult.Status = SetupFailed
		r.setupResult.Error = err.Error()
		r.status = StatusSetupFailed
		return
	}

	r.setupResult.Status = SetupSucceeded
	r.status = StatusReady
	r.schema = r.sup.Schema()
	if len(r.schema) > 0 {
		doc, err := openapi3.NewLoader().LoadFromData(r.schema)
		if err != nil {
			log.Errorw("failed to parse model schema", "error", err)
		} else {
			r.doc = doc
		}
	}
	log.Infow("model setup completed", "duration", r.setupResult.CompletedAt)
}

// watchStop marks the runner defunct if the worker dies outside of an
// orderly shutdown. Any in-flight prediction is terminalized by the
// supervisor's synthetic Done before the stop signal fires.
func (r *Runner) watchStop() {
	<-r.sup.Stopped()

	r.mu.Lock()
	orderly := r.shutdown || r.status == StatusSetupFailed || r.status == StatusStarting
	if !orderly {
		r.status = StatusDefunct
	}
	r.mu.Unlock()

	if !orderly {
		logger.Sugar().Errorw("worker exited unexpectedly", "exit_code", r.sup.ExitCode())
	}
	if !r.cfg.AwaitExplicitShutdown && r.cfg.ForceShutdown != nil {
		select {
		case r.cfg.ForceShutdown <- struct{}{}:
		default:
		}
	}
}

// Predict claims the slot for a new prediction. A request with the ID of
// the in-flight prediction returns it alongside ErrExists so callers can
// respond idempotently.
func (r *Runner) Predict(req PredictionRequest, async bool) (*PendingPrediction, error) {
	if err := r.validateInput(req.Input); err != nil {
		return nil, err
	}

	r.mu.Lock()
	switch r.status {
	case StatusSetupFailed:
		r.mu.Unlock()
		return nil, ErrSetupFailed
	case StatusDefunct:
		r.mu.Unlock()
		return nil, ErrDefunct
	case StatusStarting:
		r.mu.Unlock()
		return nil, ErrConflict
	}
	if r.pending != nil {
		if r.pending.request.Id == req.Id {
			pr := r.pending
			r.mu.Unlock()
			return pr, ErrExists
		}
		r.mu.Unlock()
		return nil, ErrConflict
	}

	if req.Id == "" {
		req.Id = util.PredictionId()
	}
	if req.CreatedAt == "" {
		req.CreatedAt = util.NowIso()
	}
	pr := newPendingPrediction(req, r.newSender(req), r.uploader, !async)
	r.pending = pr
	doc := r.doc
	r.mu.Unlock()

	go r.runPrediction(pr, doc)
	return pr, nil
}

func (r *Runner) runPrediction(pr *PendingPrediction, doc *openapi3.T) {
	log := logger.Sugar()

	ctx, span := r.tracer.Start(context.Background(), "predict",
		trace.WithAttributes(attribute.String("prediction.id", pr.request.Id)))
	defer span.End()
	defer r.releaseSlot(pr)

	subID := r.sup.Subscribe(pr.handleEvent)
	defer r.sup.Unsubscribe(subID)

	pr.markStarted()

	input, err := processInputPaths(pr.request.Input, doc, &pr.inputPaths, inputToPath)
	if err != nil {
		log.Errorw("failed to materialize inputs", "id", pr.request.Id, "error", err)
		pr.handleEvent(ipc.Event{Type: ipc.EventDone, Error: true,
			ErrorDetail: fmt.Sprintf("failed to prepare input: %s", err)})
		return
	}
	payload, err := json.Marshal(input)
	if err != nil {
		pr.handleEvent(ipc.Event{Type: ipc.EventDone, Error: true,
			ErrorDetail: fmt.Sprintf("failed to encode input: %s", err)})
		return
	}

	if r.cfg.PredictTimeout > 0 {
		timer := time.AfterFunc(r.cfg.PredictTimeout, func() {
			log.Errorw("prediction timed out", "id", pr.request.Id, "timeout", r.cfg.PredictTimeout)
			pr.timedOut.Store(true)
			_ = r.sup.Cancel()
			time.AfterFunc(cancelGracePeriod, func() {
				if !pr.isTerminal() {
					r.sup.Terminate()
				}
			})
		})
		defer timer.Stop()
	}

	if _, err := r.sup.Predict(ctx, pr.request.Id, payload); err != nil {
		log.Errorw("prediction dispatch failed", "id", pr.request.Id, "error", err)
		if !pr.isTerminal() {
			pr.handleEvent(ipc.Event{Type: ipc.EventDone, Error: true, ErrorDetail: err.Error()})
		}
		return
	}
	// Predict returns after the terminal event has been fanned out, so this
	// does not block in practice
	<-pr.terminal
}

func (r *Runner) releaseSlot(pr *PendingPrediction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == pr {
		r.pending = nil
	}
}

// Cancel requests cancellation of the in-flight prediction. Unknown IDs
// report ErrNotFound, including predictions that already completed.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	pr := r.pending
	r.mu.Unlock()
	if pr == nil || pr.request.Id != id {
		return ErrNotFound
	}
	return r.sup.Cancel()
}

// Shutdown drains the slot bounded by the grace period, then stops the
// worker. Safe to call more than once.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	pr := r.pending
	r.mu.Unlock()

	deadline := time.Now().Add(r.cfg.ShutdownGracePeriod)
	if pr != nil {
		select {
		case <-pr.terminal:
		case <-time.After(time.Until(deadline)):
		}
	}
	if err := r.sup.Shutdown(time.Until(deadline)); err != nil {
		logger.Sugar().Errorw("graceful worker shutdown failed", "error", err)
		r.sup.Terminate()
	}
}

func (r *Runner) validateInput(input any) error {
	r.mu.Lock()
	doc := r.doc
	r.mu.Unlock()
	if doc == nil || doc.Components == nil {
		return nil
	}
	schema, ok := doc.Components.Schemas["Input"]
	if !ok {
		return nil
	}
	m, ok := input.(map[string]any)
	if !ok {
		if input != nil {
			return &ValidationError{Detail: "input must be a JSON object"}
		}
		m = map[string]any{}
	}
	for _, name := range schema.Value.Required {
		if _, ok := m[name]; !ok {
			return &ValidationError{Detail: fmt.Sprintf("missing required input: %q", name)}
		}
	}
	return nil
}

func (r *Runner) newSender(req PredictionRequest) *webhook.Sender {
	return webhook.NewSender(req.Webhook, req.WebhookEventsFilter, webhook.Config{
		ThrottleInterval: r.cfg.WebhookThrottleInterval,
		AuthToken:        r.cfg.WebhookAuthToken,
		UserAgent:        "model-runner/" + util.Version(),
	})
}

// inputToPath materializes a single candidate input leaf: data URLs become
// temp files, HTTP URLs are downloaded, everything else passes through.
func inputToPath(s string, paths *[]string) (string, error) {
	o, err := base64ToInput(s, paths)
	if err != nil {
		return "", err
	}
	if o != s {
		return o, nil
	}
	return urlToInput(s, paths)
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusReady && r.pending != nil {
		return StatusBusy
	}
	return r.status
}

func (r *Runner) HealthCheck() HealthCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status
	if status == StatusReady && r.pending != nil {
		status = StatusBusy
	}
	hc := HealthCheck{Status: status.String()}
	if r.setupResult.Status != "" || r.setupResult.StartedAt != "" {
		sr := r.setupResult
		hc.Setup = &sr
	}
	return hc
}

func (r *Runner) Schema() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schema
}

func (r *Runner) ExitCode() int {
	return r.sup.ExitCode()
}

func (r *Runner) WaitForStop() {
	r.sup.WaitForStop()
}
