package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// runSeparator joins a run id and the per-message ULID. The retry engine
// relies on the run id being a literal substring of the message id.
const runSeparator = "."

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewMessageID returns a message id scoped to runID, e.g. "run-42.01J9...".
// An empty runID yields a bare ULID.
func NewMessageID(runID string) string {
	if runID == "" {
		return CreateULID()
	}
	return runID + runSeparator + CreateULID()
}

// BelongsToRun reports whether messageID was minted for runID.
func BelongsToRun(messageID, runID string) bool {
	if runID == "" {
		return true
	}
	return strings.Contains(messageID, runID)
}
