package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the lifecycle router needs from
// the runtime pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeStatus(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeCache(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewPipelineHandler wires the HTTP routing facade to the runtime pipeline
// so the lifecycle server owns URL dispatch without embedding routing logic
// into the pipeline itself.
func NewPipelineHandler(p PipelineHTTP) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route {
		case "status":
			p.ServeStatus(w, r)
		case "healthz":
			p.ServeHealth(w, r)
		case "cache":
			p.ServeCache(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	switch route := strings.ToLower(trimmed); route {
	case "status":
		return "status", true
	case "health", "healthz":
		return "healthz", true
	case "cache":
		return "cache", true
	default:
		return "", false
	}
}
