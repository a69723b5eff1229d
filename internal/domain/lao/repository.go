package lao

import (
	"context"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,MessageRepository

// Repository persists Lao projections.
type Repository interface {
	Get(ctx context.Context, id string) (*Lao, error)
	Put(ctx context.Context, l *Lao) error
	List(ctx context.Context) ([]*Lao, error)
	Delete(ctx context.Context, id string) error
}

// MessageRepository persists verified envelopes per Lao. An envelope is only
// visible through the Lao it was stored under.
type MessageRepository interface {
	GetMessage(ctx context.Context, laoID, messageID string) (*protocol.Message, error)
	PutMessage(ctx context.Context, laoID string, msg protocol.Message) error
	DeleteMessages(ctx context.Context, laoID string) error
}
