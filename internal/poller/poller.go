// Package poller drives the client side of the status-check protocol: a
// fixed-interval loop against the status endpoint that stops on the first
// terminal state.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tales-hq/feedbackd/internal/assistant"
)

// DefaultInterval spaces polls the way the product UI always has.
const DefaultInterval = 2500 * time.Millisecond

const maxResponseBytes = 1 << 20

// ErrMaxWaitExceeded reports that the configured polling budget ran out
// before the run reached a terminal state.
var ErrMaxWaitExceeded = errors.New("poller: max wait exceeded")

// Update is one observed state of the feedback run. Output is only set once
// the run completed; Message carries the server's human-readable error for
// failure states.
type Update struct {
	Status  assistant.RunStatus
	Output  string
	Message string
}

// Terminal reports whether polling stops at this update.
func (u Update) Terminal() bool {
	if u.Status == assistant.StatusCompleted {
		return u.Output != ""
	}
	return u.Status.TerminalFailure()
}

// Options configures one polling session.
type Options struct {
	ThreadID   string
	RunID      string
	Identifier string
	// Interval between polls; DefaultInterval when zero.
	Interval time.Duration
	// MaxWait bounds the whole session. Zero keeps the historical
	// unbounded behavior.
	MaxWait time.Duration
	// OnUpdate observes every state change, starting with loading. It is
	// never invoked after Run returns.
	OnUpdate func(Update)
	Client   *http.Client
	Logger   *slog.Logger
}

// Poller polls the status endpoint until the run lands in a terminal state,
// the context is cancelled, or MaxWait elapses.
type Poller struct {
	baseURL  string
	opts     Options
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
}

// New validates the session inputs and builds a poller against the given
// service root.
func New(baseURL string, opts Options) (*Poller, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("poller: base url required")
	}
	if strings.TrimSpace(opts.ThreadID) == "" || strings.TrimSpace(opts.RunID) == "" {
		return nil, errors.New("poller: thread and run ids required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		baseURL:  trimmed,
		opts:     opts,
		client:   client,
		logger:   logger.With(slog.String("agent", "status_poller")),
		interval: interval,
	}, nil
}

// Run blocks until a terminal update, cancellation, or an exhausted MaxWait.
// The returned Update is the last state observed; the error is non-nil only
// for cancellation and budget exhaustion. After Run returns no further
// OnUpdate calls occur, so tearing down the consumer is race-free.
func (p *Poller) Run(ctx context.Context) (Update, error) {
	if p.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.MaxWait)
		defer cancel()
	}

	last := Update{Status: assistant.StatusLoading}
	p.emit(ctx, last)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, p.sessionErr(ctx)
		case <-timer.C:
		}

		update, err := p.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return last, p.sessionErr(ctx)
			}
			// A transport failure ends the session the same way a
			// server-reported failure does; the user can resubmit.
			p.logger.Warn("status poll failed", slog.Any("error", err))
			update = Update{Status: assistant.StatusFailed, Message: err.Error()}
		}

		// A failure state never discards output obtained earlier.
		if update.Output == "" && update.Status.TerminalFailure() {
			update.Output = last.Output
		}
		last = update
		p.emit(ctx, last)

		if last.Terminal() {
			return last, nil
		}
		timer.Reset(p.interval)
	}
}

func (p *Poller) poll(ctx context.Context) (Update, error) {
	target, err := p.statusURL()
	if err != nil {
		return Update{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Update{}, fmt.Errorf("poller: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Update{}, fmt.Errorf("poller: request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return Update{}, fmt.Errorf("poller: read response: %w", err)
	}
	if closeErr != nil {
		return Update{}, fmt.Errorf("poller: close response: %w", closeErr)
	}

	var payload struct {
		Status string `json:"status"`
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Update{}, fmt.Errorf("poller: decode response: %w", err)
	}
	if payload.Status == "" {
		return Update{}, fmt.Errorf("poller: server error: %s", payload.Error)
	}
	return Update{
		Status:  assistant.RunStatus(payload.Status),
		Output:  payload.Output,
		Message: payload.Error,
	}, nil
}

func (p *Poller) statusURL() (string, error) {
	u, err := url.Parse(p.baseURL + "/status")
	if err != nil {
		return "", fmt.Errorf("poller: status url: %w", err)
	}
	q := u.Query()
	q.Set("threadId", p.opts.ThreadID)
	q.Set("runId", p.opts.RunID)
	if p.opts.Identifier != "" {
		q.Set("identifier", p.opts.Identifier)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// emit delivers an update unless the session is already torn down.
func (p *Poller) emit(ctx context.Context, u Update) {
	if p.opts.OnUpdate == nil || ctx.Err() != nil {
		return
	}
	p.opts.OnUpdate(u)
}

func (p *Poller) sessionErr(ctx context.Context) error {
	if p.opts.MaxWait > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrMaxWaitExceeded
	}
	return ctx.Err()
}
