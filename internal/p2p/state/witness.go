package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

// handleWitnessSignature records a witness co-signing an earlier message of
// the same Lao and requests a State commit once the pending update is fully
// signed.
func (m *Machine) handleWitnessSignature(ctx context.Context, res Result, msg protocol.Message, ws protocol.WitnessMessageSignature) (Result, error) {
	witness := msg.Sender
	if !protocol.VerifyMessageID(witness, ws.MessageID, ws.Signature) {
		return res.dropped(ErrCryptoFailure), nil
	}
	l, err := m.loadLao(ctx, res.LaoID)
	if err != nil {
		return res, err
	}
	if l == nil {
		return res.deferred(ErrUnknownLao), nil
	}

	target, err := m.messages.GetMessage(ctx, res.LaoID, ws.MessageID)
	if errors.Is(err, lao.ErrMessageNotFound) {
		return res.deferred(fmt.Errorf("%w: %s", ErrUnknownMessage, ws.MessageID)), nil
	}
	if err != nil {
		return res, fmt.Errorf("load message %s: %w", ws.MessageID, err)
	}

	added, err := target.AddWitnessSignature(witness, ws.Signature)
	if err != nil {
		return res.dropped(fmt.Errorf("%w: %v", ErrCryptoFailure, err)), nil
	}
	if added {
		if err := m.messages.PutMessage(ctx, res.LaoID, *target); err != nil {
			return res, fmt.Errorf("store message %s: %w", target.MessageID, err)
		}
	}
	return m.witnessProgress(ctx, res, l, *target, false)
}

// witnessProgress brings the Lao in line with the co-signatures collected on
// target: registered signers are recorded on its witness message and the
// pending update gets its State commit requested once the policy holds. It
// is idempotent, so it runs on every path that may add signatures. A pending
// update is committed at most once. The Lao is saved when it changed or when
// dirty is set.
func (m *Machine) witnessProgress(ctx context.Context, res Result, l *lao.Lao, target protocol.Message, dirty bool) (Result, error) {
	changed := dirty
	if wm, ok := l.WitnessMessages[target.MessageID]; ok {
		for _, k := range target.WitnessKeys() {
			if l.IsWitness(k) && wm.AddWitness(k) {
				changed = true
			}
		}
	}

	var commit *Commit
	if pending, ok := l.PendingUpdateFor(target.MessageID); ok && !pending.CommitRequested {
		satisfied, err := m.policy.Satisfied(l.Witnesses, target.WitnessKeys())
		if err != nil {
			return res, fmt.Errorf("evaluate commit policy: %w", err)
		}
		if satisfied {
			st, err := commitFor(l, pending, target)
			if err != nil {
				return res.rejected(err), nil
			}
			l.MarkCommitRequested(target.MessageID)
			commit = &Commit{Channel: protocol.LaoChannel(l.ID), State: st}
			changed = true
		}
	}

	if changed {
		if err := m.saveLao(ctx, l); err != nil {
			return res, err
		}
	}
	res.Lao = l.Clone()
	if commit != nil {
		res.Commits = append(res.Commits, *commit)
		m.logger.Info().
			Str("lao_id", l.ID).
			Str("modification_id", target.MessageID).
			Int("signatures", len(commit.State.ModificationSignatures)).
			Msg("witness quorum reached, requesting state commit")
	}
	return res.applied(), nil
}

// commitFor builds the State payload that commits a fully signed update. Only
// the signatures of registered witnesses are carried.
func commitFor(l *lao.Lao, pending lao.PendingUpdate, update protocol.Message) (protocol.StateLao, error) {
	payload, err := update.Payload()
	if err != nil {
		return protocol.StateLao{}, malformed("pending update %s: %v", update.MessageID, err)
	}
	u, ok := payload.(protocol.UpdateLao)
	if !ok {
		return protocol.StateLao{}, malformed("pending update %s is a %s", update.MessageID, payload.Kind())
	}
	sigs := make([]protocol.WitnessSignature, 0, len(update.WitnessSignatures))
	for _, ws := range update.WitnessSignatures {
		if l.IsWitness(ws.Witness) {
			sigs = append(sigs, ws)
		}
	}
	return protocol.StateLao{
		ID:                     l.ID,
		Name:                   u.Name,
		Creation:               l.Creation,
		LastModified:           pending.ModificationTime,
		Organizer:              l.Organizer,
		Witnesses:              protocol.SortedKeys(u.Witnesses),
		ModificationID:         update.MessageID,
		ModificationSignatures: sigs,
	}, nil
}
