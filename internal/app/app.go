// Package app wires the game subsystems into running sessions.
//
// A [SessionManager] owns every live session. Each session gets its own TTS
// provider instance, speaker selector and orchestrator; the LLM, blob store
// and event log are shared. Stopping a session closes its provider and
// disconnects its subscribers.
package app

import (
	"errors"

	"github.com/MrWong99/jubensha/internal/eventlog"
	"github.com/MrWong99/jubensha/pkg/blobstore"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrUnknownScript is returned when a create request names a script the
	// library does not hold.
	ErrUnknownScript = errors.New("app: unknown script")

	// ErrInvalidRequest is returned for create requests without a usable
	// roster.
	ErrInvalidRequest = errors.New("app: invalid session request")
)

// Providers holds the dependencies shared by all sessions. LLM and Blob are
// required. Events may be nil, in which case TTS calls are not recorded.
type Providers struct {
	LLM    llm.Provider
	Blob   blobstore.Store
	Events eventlog.Store
}
