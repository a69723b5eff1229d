package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

func (m *Machine) loadInstance(ctx context.Context, laoID, electID string) (*consensus.ElectInstance, error) {
	e, err := m.instances.Get(ctx, laoID, electID)
	if errors.Is(err, consensus.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load elect instance %s: %w", electID, err)
	}
	out := e.Clone()
	out.Normalize()
	return out, nil
}

func (m *Machine) saveInstance(ctx context.Context, e *consensus.ElectInstance) error {
	if err := m.instances.Put(ctx, e); err != nil {
		return fmt.Errorf("store elect instance %s: %w", e.MessageID, err)
	}
	return nil
}

// handleElect opens an instance with a snapshot of the eligible nodes. The
// proposer is not counted as having accepted.
func (m *Machine) handleElect(ctx context.Context, res Result, msg protocol.Message, e protocol.ConsensusElect) (Result, error) {
	if e.InstanceID != protocol.ElectInstanceID(e.Key) {
		return res.rejected(malformed("instance id does not match key")), nil
	}
	l, err := m.loadLao(ctx, res.LaoID)
	if err != nil {
		return res, err
	}
	if l == nil {
		return res.deferred(ErrUnknownLao), nil
	}
	existing, err := m.loadInstance(ctx, res.LaoID, msg.MessageID)
	if err != nil {
		return res, err
	}
	if existing != nil {
		res.Instance = existing
		return res.dropped(ErrDuplicate), nil
	}

	inst := consensus.NewElectInstance(msg.MessageID, res.Channel, l.ID, msg.Sender, e, l.EligibleNodes())
	if err := m.saveInstance(ctx, inst); err != nil {
		return res, err
	}
	res.Instance = inst.Clone()
	return res.applied(), nil
}

func (m *Machine) handleElectAccept(ctx context.Context, res Result, msg protocol.Message, a protocol.ConsensusElectAccept) (Result, error) {
	inst, err := m.loadInstance(ctx, res.LaoID, a.MessageID)
	if err != nil {
		return res, err
	}
	if inst == nil {
		return res.deferred(fmt.Errorf("%w: %s", ErrUnknownInstance, a.MessageID)), nil
	}
	if a.InstanceID != inst.InstanceID {
		return res.rejected(malformed("accept names instance %s, elect has %s", a.InstanceID, inst.InstanceID)), nil
	}
	if !inst.IsEligible(msg.Sender) {
		return res.rejected(violation("accept from node outside the eligible set")), nil
	}
	if inst.RecordAccept(msg.Sender, consensus.Accept{MessageID: msg.MessageID, Accept: a.Accept}) {
		if err := m.saveInstance(ctx, inst); err != nil {
			return res, err
		}
		m.logger.Debug().
			Str("lao_id", res.LaoID).
			Str("elect_id", inst.MessageID).
			Int("accepts", inst.AcceptCount()).
			Int("eligible", len(inst.EligibleNodes)).
			Msg("elect answer recorded")
	}
	res.Instance = inst.Clone()
	return res.applied(), nil
}

func (m *Machine) handleLearn(ctx context.Context, res Result, msg protocol.Message, ln protocol.ConsensusLearn) (Result, error) {
	inst, err := m.loadInstance(ctx, res.LaoID, ln.MessageID)
	if err != nil {
		return res, err
	}
	if inst == nil {
		return res.deferred(fmt.Errorf("%w: %s", ErrUnknownInstance, ln.MessageID)), nil
	}
	if ln.InstanceID != inst.InstanceID {
		return res.rejected(malformed("learn names instance %s, elect has %s", ln.InstanceID, inst.InstanceID)), nil
	}
	res.Instance = inst.Clone()
	if inst.State.Terminal() {
		return res.dropped(fmt.Errorf("%w: %s", ErrAlreadyDecided, inst.State)), nil
	}
	if !ln.Value.Decision {
		return res.applied(), nil
	}
	inst.Decide(msg.MessageID)
	if err := m.saveInstance(ctx, inst); err != nil {
		return res, err
	}
	res.Instance = inst.Clone()
	m.logger.Info().Str("lao_id", res.LaoID).Str("elect_id", inst.MessageID).Msg("consensus accepted")
	return res.applied(), nil
}

func (m *Machine) handleFailure(ctx context.Context, res Result, msg protocol.Message, f protocol.ConsensusFailure) (Result, error) {
	inst, err := m.loadInstance(ctx, res.LaoID, f.MessageID)
	if err != nil {
		return res, err
	}
	if inst == nil {
		return res.deferred(fmt.Errorf("%w: %s", ErrUnknownInstance, f.MessageID)), nil
	}
	if f.InstanceID != inst.InstanceID {
		return res.rejected(malformed("failure names instance %s, elect has %s", f.InstanceID, inst.InstanceID)), nil
	}
	res.Instance = inst.Clone()
	if inst.State.Terminal() {
		return res.dropped(fmt.Errorf("%w: %s", ErrAlreadyDecided, inst.State)), nil
	}
	inst.Fail(msg.MessageID)
	if err := m.saveInstance(ctx, inst); err != nil {
		return res, err
	}
	res.Instance = inst.Clone()
	m.logger.Info().Str("lao_id", res.LaoID).Str("elect_id", inst.MessageID).Msg("consensus failed")
	return res.applied(), nil
}
