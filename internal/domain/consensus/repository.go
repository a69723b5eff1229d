package consensus

import "context"

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

// Repository persists ElectInstances scoped by Lao.
type Repository interface {
	Get(ctx context.Context, laoID, electID string) (*ElectInstance, error)
	Put(ctx context.Context, e *ElectInstance) error
	ListByLao(ctx context.Context, laoID string) ([]*ElectInstance, error)
	DeleteByLao(ctx context.Context, laoID string) error
}
