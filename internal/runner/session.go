package runner

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Session is a virtual session: a run of requests that share one client id
// and therefore one set of pooled connections.
type Session struct {
	// ID is the client id the session's requests are sent under.
	ID string
	// Worker is the slot the session runs in, Generation counts the sessions
	// that slot has started before this one.
	Worker     int
	Generation int
	// Seq is the number of requests the session has issued so far.
	Seq int
	// Attempt is the 1-based try of the current request under WithRetry,
	// zero otherwise.
	Attempt int
}

func newSession(worker, generation int) *Session {
	return &Session{
		ID:         fmt.Sprintf("vs%d-%s", worker, strings.ToLower(ulid.Make().String())),
		Worker:     worker,
		Generation: generation,
	}
}
