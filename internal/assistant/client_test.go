package assistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetrieveRunSendsAuthAndBetaHeaders(t *testing.T) {
	var gotAuth, gotBeta string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		require.Equal(t, "/threads/thread_1/runs/run_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"run_1","thread_id":"thread_1","status":"in_progress"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, func() string { return "sk-test" }, srv.Client(), nil)
	require.NoError(t, err)

	run, err := client.RetrieveRun(context.Background(), "thread_1", "run_1")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, run.Status)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "assistants=v2", gotBeta)
}

func TestRetrieveRunDecodesLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"run_1","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"rate limited"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, func() string { return "sk-test" }, srv.Client(), nil)
	require.NoError(t, err)

	run, err := client.RetrieveRun(context.Background(), "thread_1", "run_1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	require.Equal(t, "rate limited", run.LastError.Message)
}

func TestListMessagesRequestsNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/thread_1/messages", r.URL.Path)
		require.Equal(t, "desc", r.URL.Query().Get("order"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"msg_2","role":"assistant","created_at":200,"content":[{"type":"text","text":{"value":"{\"score\":7}"}}]},
			{"id":"msg_1","role":"user","created_at":100,"content":[{"type":"text","text":{"value":"here is my deck"}}]}
		]}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, func() string { return "sk-test" }, srv.Client(), nil)
	require.NoError(t, err)

	msgs, err := client.ListMessages(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "assistant", msgs[0].Role)
}

func TestNonSuccessStatusBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, func() string { return "sk-test" }, srv.Client(), nil)
	require.NoError(t, err)

	_, err = client.RetrieveRun(context.Background(), "thread_1", "run_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, "Rate limit reached", apiErr.Message)
}

func TestKeySourceObservesRotation(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":"run_1","status":"queued"}`))
	}))
	defer srv.Close()

	key := "sk-before"
	client, err := NewClient(srv.URL, func() string { return key }, srv.Client(), nil)
	require.NoError(t, err)

	_, err = client.RetrieveRun(context.Background(), "t", "r")
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-before", gotAuth)

	key = "sk-after"
	_, err = client.RetrieveRun(context.Background(), "t", "r")
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-after", gotAuth)
}

func TestLatestAssistantTextSelection(t *testing.T) {
	text := func(v string) []MessageContent {
		return []MessageContent{{Type: "text", Text: &MessageText{Value: v}}}
	}
	newestFirst := []Message{
		{ID: "msg_3", Role: "assistant", CreatedAt: 300, Content: text("newest")},
		{ID: "msg_2", Role: "assistant", CreatedAt: 200, Content: text("older")},
		{ID: "msg_1", Role: "user", CreatedAt: 100, Content: text("prompt")},
	}
	oldestFirst := []Message{newestFirst[2], newestFirst[1], newestFirst[0]}

	got, ok := LatestAssistantText(newestFirst)
	require.True(t, ok)
	require.Equal(t, "newest", got)

	// Both orderings must pick the same message.
	got, ok = LatestAssistantText(oldestFirst)
	require.True(t, ok)
	require.Equal(t, "newest", got)
}

func TestLatestAssistantTextSkipsNonTextAndUsers(t *testing.T) {
	msgs := []Message{
		{ID: "msg_2", Role: "user", CreatedAt: 200, Content: []MessageContent{{Type: "text", Text: &MessageText{Value: "hello"}}}},
		{ID: "msg_1", Role: "assistant", CreatedAt: 100, Content: []MessageContent{
			{Type: "image_file"},
			{Type: "text", Text: &MessageText{Value: "critique"}},
		}},
	}

	got, ok := LatestAssistantText(msgs)
	require.True(t, ok)
	require.Equal(t, "critique", got)

	_, ok = LatestAssistantText(nil)
	require.False(t, ok)

	_, ok = LatestAssistantText([]Message{{Role: "user", Content: msgs[0].Content}})
	require.False(t, ok)
}

func TestRunStatusTerminality(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.TerminalFailure())
	require.True(t, StatusExpired.TerminalFailure())
	require.False(t, StatusCompleted.TerminalFailure())
	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusInProgress.Terminal())
	require.False(t, StatusLoading.Terminal())
}
