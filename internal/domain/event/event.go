package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
)

// Type names what an observer is being told about.
type Type string

const (
	TypeLaoUpdated      Type = "lao.updated"
	TypeLaoForgotten    Type = "lao.forgotten"
	TypeCommitPublished Type = "lao.commit_published"
	TypeConsensus       Type = "consensus.updated"
	TypeDeferred        Type = "message.deferred"
	TypeRejected        Type = "message.rejected"
	TypeExpired         Type = "message.expired"
)

// Event carries an immutable snapshot to observers.
type Event struct {
	ID        uuid.UUID                `json:"id"`
	Type      Type                     `json:"type"`
	LaoID     string                   `json:"lao_id"`
	MessageID string                   `json:"message_id,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Lao       *lao.Lao                 `json:"lao,omitempty"`
	Instance  *consensus.ElectInstance `json:"instance,omitempty"`
	At        time.Time                `json:"at"`
}

func New(t Type, laoID string) Event {
	return Event{ID: uuid.New(), Type: t, LaoID: laoID, At: time.Now().UTC()}
}

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher

// Publisher fans events out to observers. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}
