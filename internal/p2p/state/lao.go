package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

const (
	titleUpdateName      = "Update Lao name"
	titleUpdateWitnesses = "Update Lao witnesses"
)

func (m *Machine) handleCreate(ctx context.Context, res Result, msg protocol.Message, c protocol.CreateLao) (Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return res.rejected(malformed("create without name")), nil
	}
	if err := canonicalKeys(c.Witnesses); err != nil {
		return res.rejected(err), nil
	}
	if c.ID != protocol.LaoID(c.Organizer, c.Creation, c.Name) {
		return res.rejected(malformed("lao id does not match organizer, creation and name")), nil
	}
	if msg.Sender != c.Organizer {
		return res.rejected(violation("create sent by %s, organizer is %s", msg.Sender, c.Organizer)), nil
	}
	if id, err := res.Channel.LaoID(); err == nil && id != c.ID {
		return res.rejected(malformed("create for %s published on %s", c.ID, res.Channel)), nil
	}

	existing, err := m.loadLao(ctx, c.ID)
	if err != nil {
		return res, err
	}
	if existing != nil {
		// identical re-deliveries never get here, they share a message id
		return res.rejected(violation("lao %s already created", c.ID)), nil
	}

	l := lao.New(c)
	if err := m.saveLao(ctx, l); err != nil {
		return res, err
	}
	res.Lao = l.Clone()
	m.logger.Info().Str("lao_id", l.ID).Str("name", l.Name).Msg("lao created")
	return res.applied(), nil
}

func (m *Machine) handleUpdate(ctx context.Context, res Result, msg protocol.Message, u protocol.UpdateLao) (Result, error) {
	l, err := m.loadLao(ctx, res.LaoID)
	if err != nil {
		return res, err
	}
	if l == nil {
		return res.deferred(ErrUnknownLao), nil
	}
	if u.ID != l.ID {
		return res.rejected(malformed("update for %s on channel of %s", u.ID, l.ID)), nil
	}
	if !l.IsOrganizer(msg.Sender) {
		return res.rejected(violation("update not sent by the organizer")), nil
	}
	if err := canonicalKeys(u.Witnesses); err != nil {
		return res.rejected(err), nil
	}
	if u.LastModified <= l.LastModified {
		return res.dropped(fmt.Errorf("%w: %d <= %d", ErrStaleUpdate, u.LastModified, l.LastModified)), nil
	}

	var wm *lao.WitnessMessage
	switch {
	case u.Name != l.Name:
		wm = lao.NewWitnessMessage(msg.MessageID, titleUpdateName,
			fmt.Sprintf("Old name: %s\nNew name: %s\nMessage ID: %s", l.Name, u.Name, msg.MessageID))
	case !lao.SameWitnesses(u.Witnesses, l.Witnesses):
		wm = lao.NewWitnessMessage(msg.MessageID, titleUpdateWitnesses,
			fmt.Sprintf("Lao name: %s\nMessage ID: %s\nNew witnesses: %s",
				l.Name, msg.MessageID, strings.Join(protocol.SortedKeys(u.Witnesses), ", ")))
	default:
		return res.rejected(malformed("update changes neither name nor witnesses")), nil
	}

	if _, ok := l.WitnessMessages[msg.MessageID]; !ok {
		l.WitnessMessages[msg.MessageID] = wm
	}
	if len(l.Witnesses) > 0 {
		l.AddPendingUpdate(lao.PendingUpdate{ModificationTime: u.LastModified, MessageID: msg.MessageID})
	}
	// co-signatures may already travel with the update
	return m.witnessProgress(ctx, res, l, withVerifiedWitnesses(msg), true)
}

func (m *Machine) handleState(ctx context.Context, res Result, msg protocol.Message, s protocol.StateLao) (Result, error) {
	l, err := m.loadLao(ctx, res.LaoID)
	if err != nil {
		return res, err
	}
	if l == nil {
		return res.deferred(ErrUnknownLao), nil
	}
	if s.ID != l.ID {
		return res.rejected(malformed("state for %s on channel of %s", s.ID, l.ID)), nil
	}
	if !l.IsOrganizer(msg.Sender) || s.Organizer != l.Organizer {
		return res.rejected(violation("state not issued by the organizer")), nil
	}
	if err := canonicalKeys(s.Witnesses); err != nil {
		return res.rejected(err), nil
	}

	modification, err := m.messages.GetMessage(ctx, res.LaoID, s.ModificationID)
	if errors.Is(err, lao.ErrMessageNotFound) {
		return res.deferred(fmt.Errorf("%w: modification %s", ErrUnknownMessage, s.ModificationID)), nil
	}
	if err != nil {
		return res, fmt.Errorf("load modification %s: %w", s.ModificationID, err)
	}

	for _, ws := range s.ModificationSignatures {
		if !protocol.VerifyMessageID(ws.Witness, s.ModificationID, ws.Signature) {
			return res.dropped(fmt.Errorf("%w: modification signature of %s", ErrCryptoFailure, ws.Witness)), nil
		}
	}

	payload, err := modification.Payload()
	if err != nil {
		return res.rejected(malformed("modification %s: %v", s.ModificationID, err)), nil
	}
	u, ok := payload.(protocol.UpdateLao)
	if !ok {
		return res.rejected(malformed("modification %s is a %s", s.ModificationID, payload.Kind())), nil
	}
	if u.ID != s.ID || u.Name != s.Name || u.LastModified != s.LastModified || !lao.SameWitnesses(u.Witnesses, s.Witnesses) {
		return res.rejected(malformed("state does not match update %s", s.ModificationID)), nil
	}

	if s.LastModified < l.LastModified {
		return res.dropped(fmt.Errorf("%w: %d < %d", ErrStaleUpdate, s.LastModified, l.LastModified)), nil
	}

	l.Name = s.Name
	l.Witnesses = protocol.SortedKeys(s.Witnesses)
	l.LastModified = s.LastModified
	l.ModificationID = s.ModificationID
	pruned := l.PrunePendingUpdates(s.LastModified)

	if err := m.saveLao(ctx, l); err != nil {
		return res, err
	}
	res.Lao = l.Clone()
	m.logger.Info().
		Str("lao_id", l.ID).
		Str("modification_id", s.ModificationID).
		Int64("last_modified", s.LastModified).
		Int("pruned", pruned).
		Msg("lao state committed")
	return res.applied(), nil
}

func (m *Machine) handleGreet(ctx context.Context, res Result, msg protocol.Message, g protocol.GreetLao) (Result, error) {
	if g.Lao != res.LaoID {
		return res.rejected(malformed("greeting for %s on channel of %s", g.Lao, res.LaoID)), nil
	}
	if _, err := protocol.ParsePublicKey(g.Frontend); err != nil {
		return res.rejected(malformed("greeting frontend: %v", err)), nil
	}
	if msg.Sender != g.Frontend {
		return res.rejected(violation("greeting not sent by its frontend key")), nil
	}
	l, err := m.loadLao(ctx, res.LaoID)
	if err != nil {
		return res, err
	}
	if l == nil {
		return res.deferred(ErrUnknownLao), nil
	}

	peers := make([]string, 0, len(g.Peers))
	for _, p := range g.Peers {
		if a := strings.TrimSpace(p.Address); a != "" {
			peers = append(peers, a)
		}
	}
	l.Server = &lao.ServerInfo{PublicKey: g.Frontend, Address: g.Address, Peers: peers}
	if err := m.saveLao(ctx, l); err != nil {
		return res, err
	}
	res.Lao = l.Clone()
	return res.applied(), nil
}

// canonicalKeys rejects key lists holding anything but canonical public keys.
func canonicalKeys(keys []string) error {
	for _, k := range keys {
		if !protocol.IsCanonicalKey(k) {
			return malformed("witness key %q is not a canonical public key", k)
		}
	}
	return nil
}
