package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tales-hq/feedbackd/internal/assistant"
)

// sequenceServer serves scripted status responses, repeating the last one
// once the script runs out.
func sequenceServer(t *testing.T, responses ...string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		n := calls.Add(1)
		idx := int(n) - 1
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responses[idx]))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func collectUpdates() (*[]Update, func(Update)) {
	var mu sync.Mutex
	updates := &[]Update{}
	return updates, func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		*updates = append(*updates, u)
	}
}

func TestRunStopsOnCompletedWithOutput(t *testing.T) {
	srv, calls := sequenceServer(t,
		`{"status":"queued"}`,
		`{"status":"in_progress"}`,
		`{"status":"completed","output":"{\"score\":8}"}`,
	)
	updates, onUpdate := collectUpdates()

	p, err := New(srv.URL, Options{
		ThreadID: "T1",
		RunID:    "R1",
		Interval: 5 * time.Millisecond,
		OnUpdate: onUpdate,
		Client:   srv.Client(),
	})
	require.NoError(t, err)

	final, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, assistant.StatusCompleted, final.Status)
	require.Equal(t, `{"score":8}`, final.Output)
	require.EqualValues(t, 3, calls.Load())

	// loading + one update per poll, ending at the terminal state.
	got := *updates
	require.Len(t, got, 4)
	require.Equal(t, assistant.StatusLoading, got[0].Status)
	require.Equal(t, assistant.StatusQueued, got[1].Status)
	require.Equal(t, assistant.StatusInProgress, got[2].Status)
	require.Equal(t, assistant.StatusCompleted, got[3].Status)
}

func TestRunStopsOnTerminalFailure(t *testing.T) {
	for _, status := range []string{"failed", "cancelled", "expired"} {
		srv, calls := sequenceServer(t,
			`{"status":"in_progress"}`,
			`{"status":"`+status+`","error":"run ended"}`,
		)

		p, err := New(srv.URL, Options{
			ThreadID: "T1",
			RunID:    "R1",
			Interval: 5 * time.Millisecond,
			Client:   srv.Client(),
		})
		require.NoError(t, err)

		final, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, assistant.RunStatus(status), final.Status)
		require.Equal(t, "run ended", final.Message)

		polled := calls.Load()
		time.Sleep(25 * time.Millisecond)
		require.Equal(t, polled, calls.Load(), "no polls may happen after a terminal state")
	}
}

func TestRunCancellationSuppressesFurtherUpdates(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"status":"in_progress"}`))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	updates, onUpdate := collectUpdates()
	p, err := New(srv.URL, Options{
		ThreadID: "T1",
		RunID:    "R1",
		Interval: 5 * time.Millisecond,
		OnUpdate: onUpdate,
		Client:   srv.Client(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, runErr := p.Run(ctx)
		done <- runErr
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Only the initial loading update may have been delivered; the
	// in-flight response resolving later must not mutate anything.
	got := *updates
	require.Len(t, got, 1)
	require.Equal(t, assistant.StatusLoading, got[0].Status)
}

func TestRunMaxWaitBoundsSession(t *testing.T) {
	srv, _ := sequenceServer(t, `{"status":"in_progress"}`)

	p, err := New(srv.URL, Options{
		ThreadID: "T1",
		RunID:    "R1",
		Interval: 5 * time.Millisecond,
		MaxWait:  40 * time.Millisecond,
		Client:   srv.Client(),
	})
	require.NoError(t, err)

	start := time.Now()
	final, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxWaitExceeded)
	require.Equal(t, assistant.StatusInProgress, final.Status)
	require.Less(t, time.Since(start), time.Second)
}

func TestRunFailureKeepsEarlierOutput(t *testing.T) {
	// A failure observed after output was already delivered must not
	// blank the output the consumer holds.
	srv, _ := sequenceServer(t, `{"status":"failed","error":"boom"}`)

	p, err := New(srv.URL, Options{
		ThreadID: "T1",
		RunID:    "R1",
		Interval: 5 * time.Millisecond,
		Client:   srv.Client(),
	})
	require.NoError(t, err)

	final, runErr := p.Run(context.Background())
	require.NoError(t, runErr)
	require.Equal(t, assistant.StatusFailed, final.Status)
	require.Empty(t, final.Output)
}

func TestRunIdentifierForwarded(t *testing.T) {
	var gotIdentifier string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentifier = r.URL.Query().Get("identifier")
		_, _ = w.Write([]byte(`{"status":"completed","output":"{}"}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL, Options{
		ThreadID:   "T1",
		RunID:      "R1",
		Identifier: "portfolio.pdf",
		Interval:   5 * time.Millisecond,
		Client:     srv.Client(),
	})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "portfolio.pdf", gotIdentifier)
}

func TestRunTransportErrorEndsSessionAsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	p, err := New(srv.URL, Options{
		ThreadID: "T1",
		RunID:    "R1",
		Interval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	final, runErr := p.Run(context.Background())
	require.NoError(t, runErr)
	require.Equal(t, assistant.StatusFailed, final.Status)
	require.NotEmpty(t, final.Message)
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New("", Options{ThreadID: "T", RunID: "R"})
	require.Error(t, err)

	_, err = New("http://localhost", Options{RunID: "R"})
	require.Error(t, err)

	_, err = New("http://localhost", Options{ThreadID: "T"})
	require.Error(t, err)
}
