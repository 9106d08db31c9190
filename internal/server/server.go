package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Handler exposes the runner over HTTP. Sync versus async is chosen per
// request by the Prefer header; everything else is delegated to the runner.
type Handler struct {
	runner   *Runner
	shutdown context.CancelFunc
}

func NewHandler(runner *Runner, shutdown context.CancelFunc) *Handler {
	return &Handler{
		runner:   runner,
		shutdown: shutdown,
	}
}

func (h *Handler) ExitCode() int {
	return h.runner.ExitCode()
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	hc := h.runner.HealthCheck()
	if bs, err := json.Marshal(hc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
		writeBytes(w, bs)
	}
}

func (h *Handler) OpenApi(w http.ResponseWriter, r *http.Request) {
	schema := h.runner.Schema()
	if len(schema) == 0 {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	writeBytes(w, schema)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "invalid content type", http.StatusUnsupportedMediaType)
		return
	}
	var req PredictionRequest
	bs, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(bs, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id := r.PathValue("id"); id != "" {
		if req.Id != "" && req.Id != id {
			http.Error(w, "prediction ID mismatch", http.StatusBadRequest)
			return
		}
		req.Id = id
	}
	async := r.Header.Get("Prefer") == "respond-async"

	pr, err := h.runner.Predict(req, async)
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSON(w, ve)
		return
	case errors.Is(err, ErrExists):
		// Idempotent retry of the in-flight prediction
		w.WriteHeader(http.StatusAccepted)
		writeResponse(w, pr.snapshot())
		return
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrDefunct):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, ErrSetupFailed):
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if async {
		w.WriteHeader(http.StatusAccepted)
		writeResponse(w, PredictionResponse{Id: pr.request.Id, Status: PredictionStarting})
		return
	}
	resp := <-pr.c
	w.WriteHeader(http.StatusOK)
	writeResponse(w, resp)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.runner.Cancel(id); errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	go func() {
		h.runner.Shutdown()
		h.runner.WaitForStop()
		h.shutdown()
	}()
	w.WriteHeader(http.StatusOK)
}

func writeBytes(w http.ResponseWriter, bs []byte) {
	log := logger.Sugar()
	if _, err := w.Write(bs); err != nil {
		log.Errorw("failed to write response", "error", err)
	}
}

func writeResponse(w http.ResponseWriter, resp PredictionResponse) {
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	bs, err := json.Marshal(v)
	if err != nil {
		logger.Sugar().Errorw("failed to marshal response", "error", err)
		return
	}
	writeBytes(w, bs)
}
