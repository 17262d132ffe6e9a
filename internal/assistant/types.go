package assistant

import "sort"

// RunStatus enumerates the lifecycle states reported by the assistant API
// for a feedback run, plus the client-local loading pseudo-state used before
// the first poll response arrives.
type RunStatus string

const (
	StatusLoading        RunStatus = "loading"
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether the run has reached a state it cannot leave.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s.TerminalFailure()
}

// TerminalFailure reports whether the run ended without producing feedback.
func (s RunStatus) TerminalFailure() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// RunError carries the API's own failure detail for a terminal run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is the retrieve-run payload trimmed to the fields the pipeline reads.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	LastError *RunError `json:"last_error"`
}

// MessageText is the value part of a text content block.
type MessageText struct {
	Value string `json:"value"`
}

// MessageContent is one content block of a thread message. Only text blocks
// carry feedback; other types (images, files) are ignored.
type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text"`
}

// Message is a single thread message with its author role and creation time.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	CreatedAt int64            `json:"created_at"`
	Content   []MessageContent `json:"content"`
}

// messageList mirrors the API's list envelope.
type messageList struct {
	Data []Message `json:"data"`
}

// LatestAssistantText returns the text of the newest assistant-authored
// message. Selection sorts by creation time so the result is identical
// whether the API returned newest-first or not.
func LatestAssistantText(msgs []Message) (string, bool) {
	candidates := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt > candidates[j].CreatedAt
	})
	for _, part := range candidates[0].Content {
		if part.Type == "text" && part.Text != nil {
			return part.Text.Value, true
		}
	}
	return "", false
}
