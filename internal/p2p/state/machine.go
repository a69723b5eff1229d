package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

// Machine applies verified envelopes to the Lao projections, the witness
// bookkeeping and the consensus instances. All mutations of one Lao are
// serialized; different Laos proceed in parallel.
type Machine struct {
	laos      lao.Repository
	messages  lao.MessageRepository
	instances consensus.Repository
	policy    *CommitPolicy
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine(
	laos lao.Repository,
	messages lao.MessageRepository,
	instances consensus.Repository,
	policy *CommitPolicy,
	logger zerolog.Logger,
) *Machine {
	if policy == nil {
		policy = MustCommitPolicy(DefaultCommitPolicy)
	}
	return &Machine{
		laos:      laos,
		messages:  messages,
		instances: instances,
		policy:    policy,
		logger:    logger.With().Str("component", "state").Logger(),
		locks:     map[string]*sync.Mutex{},
	}
}

func (m *Machine) lockLao(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Handle authenticates msg received on channel and dispatches it by payload
// kind. The returned error is reserved for storage failures; protocol
// outcomes are reported through Result.
func (m *Machine) Handle(ctx context.Context, channel protocol.Channel, msg protocol.Message) (Result, error) {
	res := Result{MessageID: msg.MessageID, Channel: channel}
	if !msg.Verify() {
		return m.logged(res.dropped(ErrCryptoFailure)), nil
	}
	data, err := msg.Payload()
	if err != nil {
		return m.logged(res.rejected(fmt.Errorf("%w: %v", ErrMalformedPayload, err))), nil
	}
	res.Kind = data.Kind()

	laoID, err := laoIDFor(channel, data)
	if err != nil {
		return m.logged(res.rejected(err)), nil
	}
	res.LaoID = laoID

	unlock := m.lockLao(laoID)
	defer unlock()

	stored, err := m.messages.GetMessage(ctx, laoID, msg.MessageID)
	if err == nil {
		res, err = m.mergeWitnessSignatures(ctx, res, stored, msg)
		if err != nil {
			return res, err
		}
		return m.logged(res), nil
	} else if !errors.Is(err, lao.ErrMessageNotFound) {
		return res, fmt.Errorf("load message %s: %w", msg.MessageID, err)
	}

	switch d := data.(type) {
	case protocol.CreateLao:
		res, err = m.handleCreate(ctx, res, msg, d)
	case protocol.UpdateLao:
		res, err = m.handleUpdate(ctx, res, msg, d)
	case protocol.StateLao:
		res, err = m.handleState(ctx, res, msg, d)
	case protocol.GreetLao:
		res, err = m.handleGreet(ctx, res, msg, d)
	case protocol.WitnessMessageSignature:
		res, err = m.handleWitnessSignature(ctx, res, msg, d)
	case protocol.ConsensusElect:
		res, err = m.handleElect(ctx, res, msg, d)
	case protocol.ConsensusElectAccept:
		res, err = m.handleElectAccept(ctx, res, msg, d)
	case protocol.ConsensusLearn:
		res, err = m.handleLearn(ctx, res, msg, d)
	case protocol.ConsensusFailure:
		res, err = m.handleFailure(ctx, res, msg, d)
	case protocol.ConsensusBackend:
		res = res.dropped(ErrBackendOnly)
	case protocol.Unrecognized:
		res = res.dropped(fmt.Errorf("%w: %s", ErrUnrecognized, d.Kind()))
	default:
		res = res.dropped(fmt.Errorf("%w: %T", ErrUnrecognized, data))
	}
	if err != nil {
		return res, err
	}

	// Stale updates are kept too: witnesses may still co-sign them.
	// The envelope is written last so that a failed projection write is
	// redelivered rather than deduplicated.
	if res.Status == StatusApplied || (res.Status == StatusDropped && errors.Is(res.Reason, ErrStaleUpdate)) {
		if err := m.messages.PutMessage(ctx, laoID, withVerifiedWitnesses(msg)); err != nil {
			return res, fmt.Errorf("store message %s: %w", msg.MessageID, err)
		}
	}
	return m.logged(res), nil
}

func laoIDFor(channel protocol.Channel, data protocol.Data) (string, error) {
	if c, ok := data.(protocol.CreateLao); ok {
		if c.ID == "" {
			return "", malformed("create without id")
		}
		return c.ID, nil
	}
	id, err := channel.LaoID()
	if err != nil {
		return "", malformed("channel %q carries no lao id", channel)
	}
	return id, nil
}

// withVerifiedWitnesses keeps only the co-signatures that verify.
func withVerifiedWitnesses(msg protocol.Message) protocol.Message {
	out := msg.Clone()
	out.WitnessSignatures = []protocol.WitnessSignature{}
	for _, ws := range msg.WitnessSignatures {
		_, _ = out.AddWitnessSignature(ws.Witness, ws.Signature)
	}
	return out
}

// mergeWitnessSignatures folds the co-signatures carried by a re-delivered
// envelope into the stored copy. The outcome stays a duplicate, but it may
// carry the State commit the new signatures completed.
func (m *Machine) mergeWitnessSignatures(ctx context.Context, res Result, stored *protocol.Message, msg protocol.Message) (Result, error) {
	changed := false
	for _, ws := range msg.WitnessSignatures {
		added, err := stored.AddWitnessSignature(ws.Witness, ws.Signature)
		if err == nil && added {
			changed = true
		}
	}
	if changed {
		if err := m.messages.PutMessage(ctx, res.LaoID, *stored); err != nil {
			return res, fmt.Errorf("store message %s: %w", msg.MessageID, err)
		}
	}
	if len(stored.WitnessSignatures) > 0 {
		l, err := m.loadLao(ctx, res.LaoID)
		if err != nil {
			return res, err
		}
		if l != nil {
			if res, err = m.witnessProgress(ctx, res, l, *stored, false); err != nil {
				return res, err
			}
		}
	}
	return res.dropped(ErrDuplicate), nil
}

func (m *Machine) logged(res Result) Result {
	var ev *zerolog.Event
	switch res.Status {
	case StatusApplied:
		ev = m.logger.Debug()
	case StatusRejected:
		ev = m.logger.Warn().Err(res.Reason)
	default:
		ev = m.logger.Debug().Err(res.Reason)
	}
	ev.Str("status", string(res.Status)).
		Str("kind", res.Kind.String()).
		Str("lao_id", res.LaoID).
		Str("message_id", res.MessageID).
		Msg("message handled")
	return res
}

// Lao returns a copy of the projection with the given id.
func (m *Machine) Lao(ctx context.Context, id string) (*lao.Lao, error) {
	l, err := m.laos.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Laos lists copies of all projections.
func (m *Machine) Laos(ctx context.Context) ([]*lao.Lao, error) {
	items, err := m.laos.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*lao.Lao, 0, len(items))
	for _, l := range items {
		out = append(out, l.Clone())
	}
	return out, nil
}

// ElectInstances lists copies of the consensus instances of a Lao.
func (m *Machine) ElectInstances(ctx context.Context, laoID string) ([]*consensus.ElectInstance, error) {
	items, err := m.instances.ListByLao(ctx, laoID)
	if err != nil {
		return nil, err
	}
	out := make([]*consensus.ElectInstance, 0, len(items))
	for _, e := range items {
		out = append(out, e.Clone())
	}
	return out, nil
}

// ElectInstance returns a copy of one instance.
func (m *Machine) ElectInstance(ctx context.Context, laoID, electID string) (*consensus.ElectInstance, error) {
	e, err := m.instances.Get(ctx, laoID, electID)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// Message returns an envelope stored for a Lao.
func (m *Machine) Message(ctx context.Context, laoID, messageID string) (*protocol.Message, error) {
	msg, err := m.messages.GetMessage(ctx, laoID, messageID)
	if err != nil {
		return nil, err
	}
	out := msg.Clone()
	return &out, nil
}

// Forget drops everything known about a Lao. Used on local unsubscribe.
func (m *Machine) Forget(ctx context.Context, laoID string) error {
	unlock := m.lockLao(laoID)
	defer unlock()
	if err := m.instances.DeleteByLao(ctx, laoID); err != nil {
		return fmt.Errorf("delete elect instances: %w", err)
	}
	if err := m.messages.DeleteMessages(ctx, laoID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := m.laos.Delete(ctx, laoID); err != nil && !errors.Is(err, lao.ErrNotFound) {
		return fmt.Errorf("delete lao: %w", err)
	}
	m.logger.Info().Str("lao_id", laoID).Msg("lao forgotten")
	return nil
}

// loadLao fetches a projection for mutation. A missing Lao is reported
// as (nil, nil).
func (m *Machine) loadLao(ctx context.Context, id string) (*lao.Lao, error) {
	l, err := m.laos.Get(ctx, id)
	if errors.Is(err, lao.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lao %s: %w", id, err)
	}
	out := l.Clone()
	out.Normalize()
	return out, nil
}

func (m *Machine) saveLao(ctx context.Context, l *lao.Lao) error {
	if err := m.laos.Put(ctx, l); err != nil {
		return fmt.Errorf("store lao %s: %w", l.ID, err)
	}
	return nil
}
