package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/popstellar/laocore/internal/domain/event"
	"github.com/popstellar/laocore/internal/p2p/backlog"
	"github.com/popstellar/laocore/internal/p2p/protocol"
	"github.com/popstellar/laocore/internal/p2p/state"
)

var ErrStopped = errors.New("node stopped")

// Config defines one client node runtime.
type Config struct {
	NodeID        string
	Channels      []protocol.Channel
	RetryInterval time.Duration
	RetryRate     float64
	RetryBurst    int
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.RetryRate <= 0 {
		c.RetryRate = 200
	}
	if c.RetryBurst <= 0 {
		c.RetryBurst = 50
	}
	return c, nil
}

// Node wires the network to the state machine: it delivers inbound
// envelopes, keeps deferred ones for redelivery, publishes the State
// commits it is entitled to sign and exposes the client intents.
type Node struct {
	cfg     Config
	key     protocol.KeyPair
	machine *state.Machine
	network Network
	backlog *backlog.Backlog
	events  event.Publisher
	metrics Metrics
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu      sync.Mutex
	subs    map[protocol.Channel]*subscription
	wg      sync.WaitGroup
	stopped bool
}

// subscription is one channel reader. done closes once the reader has
// returned, so no delivery for the channel is still in flight.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Node.
type Option func(*Node)

func WithMetrics(m Metrics) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

func WithEvents(p event.Publisher) Option {
	return func(n *Node) {
		if p != nil {
			n.events = p
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(event.Event) {}

func New(
	cfg Config,
	key protocol.KeyPair,
	machine *state.Machine,
	network Network,
	bl *backlog.Backlog,
	logger zerolog.Logger,
	opts ...Option,
) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if machine == nil || network == nil || bl == nil {
		return nil, errors.New("machine, network and backlog are required")
	}
	n := &Node{
		cfg:     cfg,
		key:     key,
		machine: machine,
		network: network,
		backlog: bl,
		events:  nopPublisher{},
		metrics: nopMetrics{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RetryRate), cfg.RetryBurst),
		logger:  logger.With().Str("component", "node").Str("node_id", cfg.NodeID).Logger(),
		subs:    map[protocol.Channel]*subscription{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// PublicKey is the node's signing identity.
func (n *Node) PublicKey() string {
	return n.key.PublicKey()
}

func (n *Node) Machine() *state.Machine {
	return n.machine
}

func (n *Node) Backlog() *backlog.Backlog {
	return n.backlog
}

// Run subscribes the configured channels and drives the retry loop until ctx
// is done.
func (n *Node) Run(ctx context.Context) error {
	for _, ch := range n.cfg.Channels {
		if err := n.Subscribe(ctx, ch); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(n.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.Stop()
			return nil
		case <-ticker.C:
			n.RetryBacklog(ctx)
		}
	}
}

// Stop cancels every subscription and waits for the readers to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	for ch, sub := range n.subs {
		sub.cancel()
		delete(n.subs, ch)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// Subscribe starts delivering the envelopes of channel. Subscribing twice is
// a no-op.
func (n *Node) Subscribe(ctx context.Context, channel protocol.Channel) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if _, ok := n.subs[channel]; ok {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	stream, err := n.network.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	n.subs[channel] = sub
	n.wg.Add(1)
	go n.consume(subCtx, channel, stream, sub.done)
	n.logger.Info().Str("channel", channel.String()).Msg("subscribed")
	return nil
}

func (n *Node) consume(ctx context.Context, channel protocol.Channel, stream <-chan protocol.Message, done chan struct{}) {
	defer n.wg.Done()
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			if _, err := n.Deliver(ctx, channel, msg); err != nil {
				n.logger.Error().Err(err).Str("channel", channel.String()).Str("message_id", msg.MessageID).Msg("deliver failed")
			}
		}
	}
}

// Subscriptions lists the channels currently followed.
func (n *Node) Subscriptions() []protocol.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]protocol.Channel, 0, len(n.subs))
	for ch := range n.subs {
		out = append(out, ch)
	}
	return out
}

// Deliver hands one inbound envelope to the machine and acts on the result.
// When it applies, deferred envelopes of the same Lao are retried.
func (n *Node) Deliver(ctx context.Context, channel protocol.Channel, msg protocol.Message) (state.Result, error) {
	res, err := n.deliver(ctx, channel, msg)
	if err != nil {
		return res, err
	}
	if res.Status == state.StatusApplied {
		n.drainLao(ctx, res.LaoID)
	}
	return res, nil
}

func (n *Node) deliver(ctx context.Context, channel protocol.Channel, msg protocol.Message) (state.Result, error) {
	res, err := n.machine.Handle(ctx, channel, msg)
	if err != nil {
		// storage trouble is transient; keep the envelope around
		n.backlog.Add(channel, res.LaoID, msg, err)
		n.metrics.BacklogSize(n.backlog.Len())
		return res, err
	}
	n.metrics.MessageHandled(res.Kind.String(), string(res.Status))

	switch res.Status {
	case state.StatusDeferred:
		n.backlog.Add(channel, res.LaoID, msg, res.Reason)
		ev := event.New(event.TypeDeferred, res.LaoID)
		ev.MessageID = msg.MessageID
		ev.Reason = res.Reason.Error()
		n.events.Publish(ev)
	case state.StatusApplied:
		n.backlog.Remove(msg.MessageID)
		n.emitApplied(res)
	case state.StatusRejected:
		n.backlog.Remove(msg.MessageID)
		ev := event.New(event.TypeRejected, res.LaoID)
		ev.MessageID = msg.MessageID
		ev.Reason = res.Reason.Error()
		n.events.Publish(ev)
	default:
		n.backlog.Remove(msg.MessageID)
	}
	// a duplicate may carry the co-signatures that complete an update
	for _, c := range res.Commits {
		if err := n.publishCommit(ctx, c); err != nil {
			n.logger.Error().Err(err).Str("lao_id", res.LaoID).Msg("publish state commit failed")
		}
	}
	n.metrics.BacklogSize(n.backlog.Len())
	return res, nil
}

func (n *Node) emitApplied(res state.Result) {
	if res.Lao != nil {
		ev := event.New(event.TypeLaoUpdated, res.LaoID)
		ev.MessageID = res.MessageID
		ev.Lao = res.Lao
		n.events.Publish(ev)
	}
	if res.Instance != nil {
		ev := event.New(event.TypeConsensus, res.LaoID)
		ev.MessageID = res.MessageID
		ev.Instance = res.Instance
		n.events.Publish(ev)
	}
}

// drainLao redelivers the deferred envelopes of a Lao until a pass makes no
// progress.
func (n *Node) drainLao(ctx context.Context, laoID string) {
	if laoID == "" {
		return
	}
	for {
		progress := false
		for _, e := range n.backlog.ForLao(laoID) {
			res, err := n.deliver(ctx, e.Channel, e.Message)
			if err != nil {
				n.logger.Error().Err(err).Str("message_id", e.Message.MessageID).Msg("redelivery failed")
				return
			}
			if res.Status == state.StatusApplied {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// RetryBacklog expires old entries and redelivers the rest, paced by the
// retry limiter.
func (n *Node) RetryBacklog(ctx context.Context) {
	for _, e := range n.backlog.Expire() {
		n.metrics.BacklogDropped(string(backlog.CauseExpired))
		logEv := n.logger.Warn()
		if errors.Is(e.Reason, state.ErrUnknownInstance) {
			logEv = n.logger.Error().Bool("ordering_violation", true)
		}
		logEv.Str("message_id", e.Message.MessageID).
			Str("lao_id", e.LaoID).
			Int("attempts", e.Attempts).
			Str("reason", e.ReasonText()).
			Msg("deferred message expired")
		ev := event.New(event.TypeExpired, e.LaoID)
		ev.MessageID = e.Message.MessageID
		ev.Reason = e.ReasonText()
		n.events.Publish(ev)
	}
	for _, e := range n.backlog.Entries() {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := n.Deliver(ctx, e.Channel, e.Message); err != nil {
			n.logger.Error().Err(err).Str("message_id", e.Message.MessageID).Msg("redelivery failed")
		}
	}
	n.metrics.BacklogSize(n.backlog.Len())
}

// publishCommit signs and broadcasts a State commit when this node is the
// organizer. Other nodes leave it to the organizer.
func (n *Node) publishCommit(ctx context.Context, c state.Commit) error {
	if c.State.Organizer != n.key.PublicKey() {
		n.logger.Debug().Str("lao_id", c.State.ID).Msg("state commit left to the organizer")
		return nil
	}
	msg, err := protocol.NewMessage(n.key, c.State)
	if err != nil {
		return err
	}
	if err := n.network.Publish(ctx, c.Channel, msg); err != nil {
		return fmt.Errorf("publish state commit: %w", err)
	}
	n.metrics.CommitPublished()
	ev := event.New(event.TypeCommitPublished, c.State.ID)
	ev.MessageID = msg.MessageID
	n.events.Publish(ev)
	n.logger.Info().Str("lao_id", c.State.ID).Str("message_id", msg.MessageID).Msg("state commit published")
	return nil
}

// Publish signs data with the node key and broadcasts it on channel.
func (n *Node) Publish(ctx context.Context, channel protocol.Channel, data protocol.Data) (protocol.Message, error) {
	msg, err := protocol.NewMessage(n.key, data)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := n.network.Publish(ctx, channel, msg); err != nil {
		return protocol.Message{}, fmt.Errorf("publish %s: %w", data.Kind(), err)
	}
	return msg, nil
}

// Witness co-signs a message that this node has already seen on the Lao
// channel.
func (n *Node) Witness(ctx context.Context, channel protocol.Channel, messageID string) (protocol.Message, error) {
	if !channel.IsLao() {
		return protocol.Message{}, fmt.Errorf("%w: witness signatures travel on a lao channel, got %s", protocol.ErrInvalidChannel, channel)
	}
	laoID, err := channel.LaoID()
	if err != nil {
		return protocol.Message{}, err
	}
	if _, err := n.machine.Message(ctx, laoID, messageID); err != nil {
		return protocol.Message{}, err
	}
	sig, err := protocol.SignMessageID(n.key, messageID)
	if err != nil {
		return protocol.Message{}, err
	}
	return n.Publish(ctx, channel, protocol.WitnessMessageSignature{MessageID: messageID, Signature: sig})
}

// Unsubscribe stops following every channel of a Lao and forgets its state.
// The readers of those channels have returned before anything is forgotten.
func (n *Node) Unsubscribe(ctx context.Context, laoID string) error {
	var stopped []*subscription
	n.mu.Lock()
	for ch, sub := range n.subs {
		if id, err := ch.LaoID(); err == nil && id == laoID {
			sub.cancel()
			delete(n.subs, ch)
			stopped = append(stopped, sub)
		}
	}
	n.mu.Unlock()
	for _, sub := range stopped {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := n.machine.Forget(ctx, laoID); err != nil {
		return err
	}
	n.backlog.RemoveLao(laoID)
	n.metrics.BacklogSize(n.backlog.Len())
	n.events.Publish(event.New(event.TypeLaoForgotten, laoID))
	return nil
}
