package session

import "github.com/vibetunnel/termd/internal/protocol"

// EnvelopeKind tags the union of things delivered to a subscriber.
type EnvelopeKind int

const (
	EnvelopeOutput EnvelopeKind = iota
	EnvelopeStatus
	EnvelopeExit
	EnvelopeResync
)

// Envelope is the tagged union a subscriber's queue carries.
type Envelope struct {
	Kind     EnvelopeKind
	Output   []byte
	Status   protocol.AppStatus
	ExitCode int
}
