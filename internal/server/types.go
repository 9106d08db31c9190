package server

import (
	"errors"

	"github.com/replicate/model-runner/internal/webhook"
)

// ValidationError reports an input that does not conform to the model's
// schema. The HTTP layer maps it to 422.
type ValidationError struct {
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	return e.Detail
}

var (
	ErrConflict    = errors.New("already running a prediction")
	ErrExists      = errors.New("prediction exists")
	ErrNotFound    = errors.New("prediction not found")
	ErrDefunct     = errors.New("server is defunct")
	ErrSetupFailed = errors.New("setup failed")
)

type Status int

const (
	StatusStarting Status = iota
	StatusSetupFailed
	StatusReady
	StatusBusy
	StatusDefunct
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusSetupFailed:
		return "SETUP_FAILED"
	case StatusReady:
		return "READY"
	case StatusBusy:
		return "BUSY"
	case StatusDefunct:
		return "DEFUNCT"
	default:
		return "INVALID"
	}
}

type SetupStatus string

const (
	SetupSucceeded SetupStatus = "succeeded"
	SetupFailed    SetupStatus = "failed"
)

type SetupResult struct {
	StartedAt   string      `json:"started_at"`
	CompletedAt string      `json:"completed_at"`
	Status      SetupStatus `json:"status"`
	Logs        string      `json:"logs,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type HealthCheck struct {
	Status string       `json:"status"`
	Setup  *SetupResult `json:"setup,omitempty"`
}

type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionCanceled   PredictionStatus = "canceled"
	PredictionFailed     PredictionStatus = "failed"
)

func (s PredictionStatus) IsCompleted() bool {
	return s == PredictionSucceeded || s == PredictionCanceled || s == PredictionFailed
}

type PredictionRequest struct {
	Input               any             `json:"input"`
	Id                  string          `json:"id"`
	CreatedAt           string          `json:"created_at"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []webhook.Event `json:"webhook_events_filter,omitempty"`
	OutputFilePrefix    string          `json:"output_file_prefix,omitempty"`
}

type PredictionResponse struct {
	Input       any              `json:"input"`
	Output      any              `json:"output,omitempty"`
	Id          string           `json:"id"`
	CreatedAt   string           `json:"created_at,omitempty"`
	StartedAt   string           `json:"started_at,omitempty"`
	CompletedAt string           `json:"completed_at,omitempty"`
	Logs        string           `json:"logs,omitempty"`
	Error       string           `json:"error,omitempty"`
	Status      PredictionStatus `json:"status,omitempty"`
	Metrics     map[string]any   `json:"metrics,omitempty"`
}
