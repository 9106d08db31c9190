package server

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewServeMux builds the HTTP front end, instrumented with otelhttp.
func NewServeMux(handler *Handler) http.Handler {
	serveMux := http.NewServeMux()
	serveMux.HandleFunc("GET /{$}", handler.Root)
	serveMux.HandleFunc("GET /health-check", handler.HealthCheck)
	serveMux.HandleFunc("GET /openapi.json", handler.OpenApi)
	serveMux.HandleFunc("POST /shutdown", handler.Shutdown)
	serveMux.HandleFunc("POST /predictions", handler.Predict)
	serveMux.HandleFunc("PUT /predictions/{id}", handler.Predict)
	serveMux.HandleFunc("POST /predictions/{id}/cancel", handler.Cancel)
	return otelhttp.NewHandler(serveMux, "model-runner")
}

func NewServer(addr string, handler *Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewServeMux(handler),
	}
}
