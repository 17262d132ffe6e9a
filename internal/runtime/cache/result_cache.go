package cache

import (
	"context"
	"time"
)

// Entry holds a completed feedback payload for a caller-chosen identifier.
// Output carries the raw JSON string exactly as the assistant produced it;
// consumers parse it again on their side. Entries are only written after the
// payload has passed JSON validation, so a stored entry is never malformed.
type Entry struct {
	ThreadID  string    `json:"threadId"`
	RunID     string    `json:"runId"`
	Output    string    `json:"output,omitempty"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResultCache stores completed feedback results between status checks so a
// page reload does not re-query the external API. Implementations are
// constructed explicitly and injected into the pipeline; there is no
// process-global instance.
type ResultCache interface {
	// Lookup returns the entry for id if present and unexpired. Expired
	// entries are evicted lazily and reported as absent.
	Lookup(ctx context.Context, id string) (Entry, bool, error)
	// Store inserts or overwrites the entry for id, stamping StoredAt
	// and ExpiresAt when the caller left them zero.
	Store(ctx context.Context, id string, entry Entry) error
	// Delete removes the entry for id. Removing an absent id is not an
	// error.
	Delete(ctx context.Context, id string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
