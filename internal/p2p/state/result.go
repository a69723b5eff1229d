package state

import (
	"errors"
	"fmt"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

var (
	ErrCryptoFailure     = errors.New("cryptographic verification failed")
	ErrUnknownReference  = errors.New("unknown reference")
	ErrUnknownLao        = fmt.Errorf("%w: lao", ErrUnknownReference)
	ErrUnknownMessage    = fmt.Errorf("%w: message", ErrUnknownReference)
	ErrUnknownInstance   = fmt.Errorf("%w: elect instance", ErrUnknownReference)
	ErrStaleUpdate       = errors.New("stale update")
	ErrDuplicate         = errors.New("duplicate message")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAlreadyDecided    = errors.New("instance already decided")
	ErrBackendOnly       = errors.New("backend-only message")
	ErrUnrecognized      = errors.New("unrecognized payload kind")
)

// Status classifies the outcome of handling one envelope.
type Status string

const (
	// StatusApplied means state changed (or was confirmed) and the envelope was stored.
	StatusApplied Status = "applied"
	// StatusDropped is an expected discard: stale, duplicate, bad signature.
	StatusDropped Status = "dropped"
	// StatusDeferred means a causal predecessor is missing; retry later.
	StatusDeferred Status = "deferred"
	// StatusRejected is a protocol error; never retried.
	StatusRejected Status = "rejected"
)

// Commit is a State payload that the organizer must sign and broadcast.
type Commit struct {
	Channel protocol.Channel
	State   protocol.StateLao
}

// Result is the tagged outcome of Machine.Handle.
type Result struct {
	Status    Status
	Reason    error
	MessageID string
	Channel   protocol.Channel
	LaoID     string
	Kind      protocol.Kind
	Lao       *lao.Lao
	Instance  *consensus.ElectInstance
	Commits   []Commit
}

// Retryable reports whether the caller should keep the envelope for
// redelivery.
func (r Result) Retryable() bool {
	return r.Status == StatusDeferred
}

func (r Result) applied() Result {
	r.Status = StatusApplied
	r.Reason = nil
	return r
}

func (r Result) dropped(reason error) Result {
	r.Status = StatusDropped
	r.Reason = reason
	return r
}

func (r Result) deferred(reason error) Result {
	r.Status = StatusDeferred
	r.Reason = reason
	return r
}

func (r Result) rejected(reason error) Result {
	r.Status = StatusRejected
	r.Reason = reason
	return r
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
