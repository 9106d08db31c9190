package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/replicate/go/logging"
)

var logger = logging.New("model-runner-webhook")

type Event string

const (
	EventStart     Event = "start"
	EventOutput    Event = "output"
	EventLogs      Event = "logs"
	EventCompleted Event = "completed"
)

// Below this throttle interval the caller is updating so aggressively that
// the initial "start" snapshot is pure noise; suppress it.
const startSuppressionThreshold = 100 * time.Millisecond

const (
	nonTerminalTimeout = 2 * time.Second
	terminalRetryMax   = 12
	terminalWaitMin    = 1 * time.Second
	terminalWaitMax    = 60 * time.Second
)

type Config struct {
	ThrottleInterval time.Duration
	AuthToken        string
	UserAgent        string
}

// Sender delivers prediction state snapshots for one prediction. Offers are
// filtered by the caller's requested event set and throttled; terminal
// offers bypass the throttle and are retried persistently.
type Sender struct {
	url    string
	filter []Event
	cfg    Config

	client      *http.Client
	retryClient *retryablehttp.Client

	mu       sync.Mutex
	lastSent time.Time
}

func NewSender(url string, filter []Event, cfg Config) *Sender {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = terminalRetryMax
	retryClient.RetryWaitMin = terminalWaitMin
	retryClient.RetryWaitMax = terminalWaitMax
	retryClient.Logger = nil

	return &Sender{
		url:    url,
		filter: filter,
		cfg:    cfg,
		client: &http.Client{
			Timeout: nonTerminalTimeout,
		},
		retryClient: retryClient,
	}
}

// Send offers one snapshot. Terminal events block until delivered or the
// retry budget is exhausted; non-terminal events are fire-and-forget and
// transport errors are logged and dropped.
func (s *Sender) Send(payload any, event Event, terminal bool) {
	log := logger.Sugar()
	if s == nil || s.url == "" {
		return
	}
	if len(s.filter) > 0 && !slices.Contains(s.filter, event) {
		return
	}

	if !terminal {
		if event == EventStart && s.cfg.ThrottleInterval < startSuppressionThreshold {
			return
		}
		s.mu.Lock()
		if time.Since(s.lastSent) < s.cfg.ThrottleInterval {
			s.mu.Unlock()
			return
		}
		s.lastSent = time.Now()
		s.mu.Unlock()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorw("failed to marshal webhook payload", "error", err)
		return
	}

	if terminal {
		if err := s.sendTerminal(body); err != nil {
			log.Errorw("failed to send terminal webhook", "url", s.url, "event", event, "error", err)
		}
		return
	}
	if err := s.sendOnce(body); err != nil {
		log.Debugw("failed to send webhook", "url", s.url, "event", event, "error", err)
	}
}

func (s *Sender) sendOnce(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	s.setHeaders(req.Header)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) sendTerminal(body []byte) error {
	req, err := retryablehttp.NewRequest(http.MethodPost, s.url, body)
	if err != nil {
		return err
	}
	s.setHeaders(req.Header)
	resp, err := s.retryClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
	if s.cfg.UserAgent != "" {
		h.Set("User-Agent", s.cfg.UserAgent)
	}
	if s.cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
}
