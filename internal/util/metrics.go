package util

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"

	"github.com/replicate/go/logging"
)

var logger = logging.New("model-runner-util")

type MetricsPayload struct {
	Source string         `json:"source,omitempty"`
	Type   string         `json:"type,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

const MetricsEndpointEnv = "MODEL_RUNNER_METRICS_ENDPOINT"

func SendRunnerMetric(yaml ModelYaml) {
	log := logger.Sugar()
	endpoint := os.Getenv(MetricsEndpointEnv)
	if endpoint == "" {
		return
	}
	data := map[string]any{
		"gpu":     yaml.Build.GPU,
		"version": Version(),
	}
	payload := MetricsPayload{
		Source: "model-runner",
		Type:   "runner",
		Data:   data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorw("failed to marshal payload", "error", err)
		return
	}
	resp, err := HTTPClientWithRetry().Post(endpoint, "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Errorw("failed to send runner metrics", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Errorw("failed to send runner metrics", "status", resp.Status)
	}
}
