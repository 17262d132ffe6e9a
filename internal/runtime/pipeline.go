// Package runtime implements the status-check pipeline for Tales feedback
// runs: cache-first lookup, assistant API polling, output validation, and
// result caching.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tales-hq/feedbackd/internal/assistant"
	"github.com/tales-hq/feedbackd/internal/metrics"
	"github.com/tales-hq/feedbackd/internal/retry"
	"github.com/tales-hq/feedbackd/internal/runtime/cache"
)

// AssistantAPI is the slice of the assistant client the pipeline consumes.
type AssistantAPI interface {
	RetrieveRun(ctx context.Context, threadID, runID string) (assistant.Run, error)
	ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error)
}

// PipelineOptions wires the pipeline's collaborators. Everything is
// injected so tests can assemble isolated instances.
type PipelineOptions struct {
	Cache     cache.ResultCache
	CacheTTL  time.Duration
	Assistant AssistantAPI
	Retry     retry.Policy
	Metrics   *metrics.Recorder
}

// Pipeline serves the canonical status-check contract. There is exactly one
// status handler and one response schema; the cache-aware and cache-blind
// variants of the old product are collapsed into it.
type Pipeline struct {
	logger    *slog.Logger
	cache     cache.ResultCache
	cacheTTL  time.Duration
	assistant AssistantAPI
	retry     retry.Policy
	metrics   *metrics.Recorder
}

// statusResponse is the single wire shape for every status-check outcome.
type statusResponse struct {
	Status  string `json:"status,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

const (
	msgMissingParams    = "Missing threadId or runId"
	msgRunFailed        = "The AI analysis failed. Please try submitting again."
	msgRunCancelled     = "The analysis was cancelled."
	msgRunExpired       = "The analysis timed out. Please try submitting again."
	msgMalformedOutput  = "The AI response was malformed. Please try submitting again."
	msgNoFeedbackOutput = "The analysis finished without producing feedback. Please try submitting again."
	msgUpstreamFailure  = "Unable to check the analysis status right now. Please try again."
)

func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	resultCache := opts.Cache
	if resultCache == nil {
		resultCache = cache.NewMemory(ttl)
	}
	pol := opts.Retry
	if pol.Retries == 0 && pol.Delay == 0 {
		pol = retry.DefaultPolicy()
	}

	return &Pipeline{
		logger:    logger.With(slog.String("agent", "pipeline")),
		cache:     resultCache,
		cacheTTL:  ttl,
		assistant: opts.Assistant,
		retry:     pol,
		metrics:   opts.Metrics,
	}
}

func (p *Pipeline) Close(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close(ctx)
}

// ServeStatus handles GET /status. Query parameters: threadId/thread_id and
// runId/run_id (required), identifier (optional, enables the result cache).
func (p *Pipeline) ServeStatus(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("status handler panic", slog.Any("panic", rec))
			p.writeJSON(w, http.StatusInternalServerError, statusResponse{
				Error:   "Internal server error",
				Details: fmt.Sprint(rec),
			})
		}
	}()

	if r.Method != http.MethodGet {
		p.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	threadID := queryParam(r, "threadId", "thread_id")
	runID := queryParam(r, "runId", "run_id")
	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	if threadID == "" || runID == "" {
		p.writeJSON(w, http.StatusBadRequest, statusResponse{Error: msgMissingParams})
		return
	}

	ctx := r.Context()

	// Cache-first: a completed result short-circuits without touching the
	// external API.
	if identifier != "" {
		entry, ok, err := p.cache.Lookup(ctx, identifier)
		switch {
		case err != nil:
			p.observeCache(metrics.CacheOperationLookup, string(metrics.CacheLookupError))
			p.logger.Warn("cache lookup failed", slog.String("identifier", identifier), slog.Any("error", err))
		case ok && entry.Output != "":
			p.observeCache(metrics.CacheOperationLookup, string(metrics.CacheLookupHit))
			p.observeStatus(string(assistant.StatusCompleted), http.StatusOK, true, started)
			p.writeJSON(w, http.StatusOK, statusResponse{
				Status: string(assistant.StatusCompleted),
				Output: entry.Output,
			})
			return
		default:
			p.observeCache(metrics.CacheOperationLookup, string(metrics.CacheLookupMiss))
		}
	}

	pol := p.retryPolicy()

	run, err := retry.DoValue(ctx, pol, p.logger, func(ctx context.Context) (assistant.Run, error) {
		return p.assistant.RetrieveRun(ctx, threadID, runID)
	})
	if p.metrics != nil {
		p.metrics.ObserveAssistantCall("retrieve_run", err)
	}
	if err != nil {
		p.logger.Error("run retrieval failed",
			slog.String("thread_id", threadID),
			slog.String("run_id", runID),
			slog.Any("error", err),
		)
		p.observeStatus(string(assistant.StatusFailed), http.StatusInternalServerError, false, started)
		p.writeJSON(w, http.StatusInternalServerError, statusResponse{
			Status:  string(assistant.StatusFailed),
			Error:   msgUpstreamFailure,
			Details: err.Error(),
		})
		return
	}

	if run.Status.TerminalFailure() {
		p.respondTerminalFailure(w, run, started)
		return
	}

	if run.Status != assistant.StatusCompleted {
		// Still running. The poller will come back.
		p.observeStatus(string(run.Status), http.StatusOK, false, started)
		p.writeJSON(w, http.StatusOK, statusResponse{Status: string(run.Status)})
		return
	}

	msgs, err := retry.DoValue(ctx, pol, p.logger, func(ctx context.Context) ([]assistant.Message, error) {
		return p.assistant.ListMessages(ctx, threadID)
	})
	if p.metrics != nil {
		p.metrics.ObserveAssistantCall("list_messages", err)
	}
	if err != nil {
		p.logger.Error("message fetch failed", slog.String("thread_id", threadID), slog.Any("error", err))
		p.observeStatus(string(assistant.StatusFailed), http.StatusInternalServerError, false, started)
		p.writeJSON(w, http.StatusInternalServerError, statusResponse{
			Status:  string(assistant.StatusFailed),
			Error:   msgUpstreamFailure,
			Details: err.Error(),
		})
		return
	}

	output, found := assistant.LatestAssistantText(msgs)
	if !found {
		p.observeStatus(string(assistant.StatusFailed), http.StatusInternalServerError, false, started)
		p.writeJSON(w, http.StatusInternalServerError, statusResponse{
			Status: string(assistant.StatusFailed),
			Error:  msgNoFeedbackOutput,
		})
		return
	}

	// Validation gate only: the raw string is what gets stored and served;
	// consumers parse it again on their side.
	if !json.Valid([]byte(output)) {
		p.logger.Warn("assistant output failed json validation", slog.String("thread_id", threadID))
		p.observeStatus(string(assistant.StatusFailed), http.StatusInternalServerError, false, started)
		p.writeJSON(w, http.StatusInternalServerError, statusResponse{
			Status:  string(assistant.StatusFailed),
			Error:   msgMalformedOutput,
			Details: "assistant output is not valid JSON",
		})
		return
	}

	if identifier != "" {
		err := p.cache.Store(ctx, identifier, cache.Entry{
			ThreadID: threadID,
			RunID:    runID,
			Output:   output,
		})
		if err != nil {
			// A cache failure must not fail the request; the result is in hand.
			p.observeCache(metrics.CacheOperationStore, "error")
			p.logger.Warn("cache store failed", slog.String("identifier", identifier), slog.Any("error", err))
		} else {
			p.observeCache(metrics.CacheOperationStore, "stored")
		}
	}

	p.observeStatus(string(assistant.StatusCompleted), http.StatusOK, false, started)
	p.writeJSON(w, http.StatusOK, statusResponse{
		Status: string(assistant.StatusCompleted),
		Output: output,
	})
}

func (p *Pipeline) respondTerminalFailure(w http.ResponseWriter, run assistant.Run, started time.Time) {
	message := ""
	if run.LastError != nil {
		message = strings.TrimSpace(run.LastError.Message)
	}
	code := http.StatusOK
	switch run.Status {
	case assistant.StatusFailed:
		code = http.StatusInternalServerError
		if message == "" {
			message = msgRunFailed
		}
	case assistant.StatusCancelled:
		if message == "" {
			message = msgRunCancelled
		}
	case assistant.StatusExpired:
		if message == "" {
			message = msgRunExpired
		}
	}
	p.observeStatus(string(run.Status), code, false, started)
	p.writeJSON(w, code, statusResponse{Status: string(run.Status), Error: message})
}

// ServeHealth reports liveness plus result cache reachability.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	size, err := p.cache.Size(r.Context())
	if err != nil {
		p.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"cache":  map[string]any{"reachable": false, "error": err.Error()},
		})
		return
	}
	p.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cache":  map[string]any{"reachable": true, "entries": size},
	})
}

// ServeCache handles the administrative surface: DELETE /cache?identifier=x
// removes one entry, DELETE /cache with no identifier clears everything.
func (p *Pipeline) ServeCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		p.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	if identifier == "" {
		if err := p.cache.Clear(r.Context()); err != nil {
			p.observeCache(metrics.CacheOperationDelete, "error")
			p.WriteError(w, http.StatusInternalServerError, "cache clear failed")
			return
		}
		p.observeCache(metrics.CacheOperationDelete, "cleared")
		p.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
		return
	}
	if err := p.cache.Delete(r.Context(), identifier); err != nil {
		p.observeCache(metrics.CacheOperationDelete, "error")
		p.WriteError(w, http.StatusInternalServerError, "cache delete failed")
		return
	}
	p.observeCache(metrics.CacheOperationDelete, "deleted")
	p.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "identifier": identifier})
}

// WriteError emits the generic error envelope used outside the status schema.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	p.writeJSON(w, status, map[string]string{"error": message})
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		p.logger.Debug("response encode failed", slog.Any("error", err))
	}
}

// retryPolicy clones the configured policy with retry accounting attached.
func (p *Pipeline) retryPolicy() retry.Policy {
	pol := p.retry
	if p.metrics != nil {
		pol.OnRetry = func(error) { p.metrics.ObserveAssistantRetry() }
	}
	return pol
}

func (p *Pipeline) observeStatus(runStatus string, code int, fromCache bool, started time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveStatusRequest(runStatus, code, fromCache, time.Since(started))
}

func (p *Pipeline) observeCache(op metrics.CacheOperation, result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveCacheOperation(op, result)
}

// queryParam returns the first non-empty value among the given aliases.
// The product historically accepted both camelCase and snake_case names.
func queryParam(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.URL.Query().Get(name)); v != "" {
			return v
		}
	}
	return ""
}
