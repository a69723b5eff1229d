package node

import (
	"context"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

//go:generate mockgen -destination=mocks/mock_network.go -package=mocks . Network,Metrics

// Network is the broadcast transport. Delivery is ordered per channel and
// at-least-once.
type Network interface {
	Publish(ctx context.Context, channel protocol.Channel, msg protocol.Message) error
	// Subscribe streams the envelopes of channel until ctx is cancelled,
	// then closes the returned channel.
	Subscribe(ctx context.Context, channel protocol.Channel) (<-chan protocol.Message, error)
}

// Metrics receives dispatch counters.
type Metrics interface {
	MessageHandled(kind, status string)
	BacklogSize(n int)
	BacklogDropped(cause string)
	CommitPublished()
}

type nopMetrics struct{}

func (nopMetrics) MessageHandled(string, string) {}
func (nopMetrics) BacklogSize(int)               {}
func (nopMetrics) BacklogDropped(string)         {}
func (nopMetrics) CommitPublished()              {}
