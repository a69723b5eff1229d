package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/popstellar/laocore/internal/domain/consensus"
	consensusMocks "github.com/popstellar/laocore/internal/domain/consensus/mocks"
	"github.com/popstellar/laocore/internal/domain/lao"
	laoMocks "github.com/popstellar/laocore/internal/domain/lao/mocks"
	"github.com/popstellar/laocore/internal/infrastructure/memory"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

const creation = int64(1000)

type fixture struct {
	ctx   context.Context
	m     *Machine
	org   protocol.KeyPair
	keys  map[string]protocol.KeyPair
	laoID string
}

func mustKey(t *testing.T) protocol.KeyPair {
	t.Helper()
	k, err := protocol.GenerateKeyPair()
	require.NoError(t, err)
	return k
}

func newMachine() *Machine {
	store := memory.NewStore()
	return NewMachine(store.Laos(), store.Messages(), store.Instances(), nil, zerolog.Nop())
}

// newFixture creates a Lao named "Assoc" whose witnesses are the named keys.
func newFixture(t *testing.T, witnesses ...string) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), m: newMachine(), org: mustKey(t), keys: map[string]protocol.KeyPair{}}
	pubs := make([]string, 0, len(witnesses))
	for _, w := range witnesses {
		k := mustKey(t)
		f.keys[w] = k
		pubs = append(pubs, k.PublicKey())
	}
	create := protocol.NewCreateLao(f.org.PublicKey(), "Assoc", creation, pubs)
	f.laoID = create.ID
	res := f.handle(t, protocol.RootChannel, signed(t, f.org, create))
	require.Equal(t, StatusApplied, res.Status, "%v", res.Reason)
	return f
}

func (f *fixture) key(t *testing.T, name string) protocol.KeyPair {
	t.Helper()
	k, ok := f.keys[name]
	if !ok {
		k = mustKey(t)
		f.keys[name] = k
	}
	return k
}

func (f *fixture) pub(t *testing.T, name string) string {
	return f.key(t, name).PublicKey()
}

func (f *fixture) channel() protocol.Channel {
	return protocol.LaoChannel(f.laoID)
}

func (f *fixture) handle(t *testing.T, ch protocol.Channel, msg protocol.Message) Result {
	t.Helper()
	res, err := f.m.Handle(f.ctx, ch, msg)
	require.NoError(t, err)
	return res
}

func (f *fixture) lao(t *testing.T) *lao.Lao {
	t.Helper()
	l, err := f.m.Lao(f.ctx, f.laoID)
	require.NoError(t, err)
	return l
}

func signed(t *testing.T, key protocol.KeyPair, data protocol.Data) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(key, data)
	require.NoError(t, err)
	return msg
}

func witnessOf(t *testing.T, key protocol.KeyPair, target protocol.Message) protocol.Message {
	t.Helper()
	sig, err := protocol.SignMessageID(key, target.MessageID)
	require.NoError(t, err)
	return signed(t, key, protocol.WitnessMessageSignature{MessageID: target.MessageID, Signature: sig})
}

func requireStatus(t *testing.T, res Result, status Status, reason error) {
	t.Helper()
	require.Equal(t, status, res.Status, "reason: %v", res.Reason)
	if reason != nil {
		require.ErrorIs(t, res.Reason, reason)
	}
}

func TestCreateLao(t *testing.T) {
	f := newFixture(t, "W1")
	l := f.lao(t)
	assert.Equal(t, "Assoc", l.Name)
	assert.Equal(t, creation, l.LastModified)
	assert.Equal(t, []string{f.pub(t, "W1")}, l.Witnesses)
	assert.Equal(t, f.org.PublicKey(), l.Organizer)
}

func TestCreateLaoDuplicates(t *testing.T) {
	f := newFixture(t)
	create := protocol.NewCreateLao(f.org.PublicKey(), "Assoc", creation, nil)

	// same payload, same key: ed25519 is deterministic so the id matches
	res := f.handle(t, protocol.RootChannel, signed(t, f.org, create))
	requireStatus(t, res, StatusDropped, ErrDuplicate)

	differing := create
	differing.Witnesses = []string{mustKey(t).PublicKey()}
	res = f.handle(t, protocol.RootChannel, signed(t, f.org, differing))
	requireStatus(t, res, StatusRejected, ErrProtocolViolation)
	assert.Empty(t, f.lao(t).Witnesses)
}

func TestCreateLaoValidation(t *testing.T) {
	f := newFixture(t)
	other := mustKey(t)

	badID := protocol.NewCreateLao(f.org.PublicKey(), "Other", creation, nil)
	badID.ID = protocol.Hash("nope")
	res := f.handle(t, protocol.RootChannel, signed(t, f.org, badID))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)

	foreign := protocol.NewCreateLao(f.org.PublicKey(), "Other", creation, nil)
	res = f.handle(t, protocol.RootChannel, signed(t, other, foreign))
	requireStatus(t, res, StatusRejected, ErrProtocolViolation)

	wrongChannel := protocol.NewCreateLao(other.PublicKey(), "Other", creation, nil)
	res = f.handle(t, f.channel(), signed(t, other, wrongChannel))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)
}

func TestTamperedEnvelopeIsDropped(t *testing.T) {
	f := newFixture(t)
	msg := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 1})
	raw, err := msg.DataBytes()
	require.NoError(t, err)
	raw[len(raw)-2] ^= 0x01
	msg.Data = protocol.EncodeBase64(raw)

	res := f.handle(t, f.channel(), msg)
	requireStatus(t, res, StatusDropped, ErrCryptoFailure)
	assert.Empty(t, f.lao(t).WitnessMessages)
}

func TestRenameWithoutWitnessesThenCommit(t *testing.T) {
	f := newFixture(t)
	w1 := f.key(t, "W1")
	t1 := creation + 10

	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: t1, Witnesses: []string{w1.PublicKey()}})
	res := f.handle(t, f.channel(), update)
	requireStatus(t, res, StatusApplied, nil)

	l := f.lao(t)
	require.Contains(t, l.WitnessMessages, update.MessageID)
	assert.Equal(t, titleUpdateName, l.WitnessMessages[update.MessageID].Title)
	assert.Empty(t, l.PendingUpdates, "no witnesses were registered at creation")
	assert.Equal(t, "Assoc", l.Name)

	res = f.handle(t, f.channel(), witnessOf(t, w1, update))
	requireStatus(t, res, StatusApplied, nil)
	assert.Empty(t, res.Commits)

	sig, err := protocol.SignMessageID(w1, update.MessageID)
	require.NoError(t, err)
	state := protocol.StateLao{
		ID: f.laoID, Name: "Assoc2", Creation: creation, LastModified: t1,
		Organizer: f.org.PublicKey(), Witnesses: []string{w1.PublicKey()},
		ModificationID:         update.MessageID,
		ModificationSignatures: []protocol.WitnessSignature{{Witness: w1.PublicKey(), Signature: sig}},
	}
	res = f.handle(t, f.channel(), signed(t, f.org, state))
	requireStatus(t, res, StatusApplied, nil)

	l = f.lao(t)
	assert.Equal(t, "Assoc2", l.Name)
	assert.Equal(t, t1, l.LastModified)
	assert.Equal(t, update.MessageID, l.ModificationID)
	assert.Equal(t, []string{w1.PublicKey()}, l.Witnesses)
	assert.Empty(t, l.PendingUpdates)
}

func TestCommitRequiresEveryWitness(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	update := signed(t, f.org, protocol.UpdateLao{
		ID: f.laoID, Name: "Assoc2", LastModified: creation + 5,
		Witnesses: []string{f.pub(t, "A"), f.pub(t, "B"), f.pub(t, "C")},
	})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)
	require.Len(t, f.lao(t).PendingUpdates, 1)

	res := f.handle(t, f.channel(), witnessOf(t, f.key(t, "A"), update))
	requireStatus(t, res, StatusApplied, nil)
	assert.Empty(t, res.Commits)

	bSig := witnessOf(t, f.key(t, "B"), update)
	res = f.handle(t, f.channel(), bSig)
	requireStatus(t, res, StatusApplied, nil)
	assert.Empty(t, res.Commits, "two of three signatures must not commit")

	res = f.handle(t, f.channel(), bSig)
	requireStatus(t, res, StatusDropped, ErrDuplicate)
	assert.Empty(t, res.Commits)

	cSig := witnessOf(t, f.key(t, "C"), update)
	res = f.handle(t, f.channel(), cSig)
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1)
	commit := res.Commits[0]
	assert.Equal(t, f.channel(), commit.Channel)
	assert.Equal(t, "Assoc2", commit.State.Name)
	assert.Equal(t, update.MessageID, commit.State.ModificationID)
	assert.Len(t, commit.State.ModificationSignatures, 3)

	res = f.handle(t, f.channel(), cSig)
	requireStatus(t, res, StatusDropped, ErrDuplicate)
	assert.Empty(t, res.Commits)

	wm := f.lao(t).WitnessMessages[update.MessageID]
	assert.Len(t, wm.Witnesses, 3)

	stored, err := f.m.Message(f.ctx, f.laoID, update.MessageID)
	require.NoError(t, err)
	assert.Len(t, stored.WitnessSignatures, 3)

	res = f.handle(t, commit.Channel, signed(t, f.org, commit.State))
	requireStatus(t, res, StatusApplied, nil)
	l := f.lao(t)
	assert.Equal(t, "Assoc2", l.Name)
	assert.Empty(t, l.PendingUpdates)
}

func TestForeignSignerIsIgnored(t *testing.T) {
	f := newFixture(t, "A")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 5, Witnesses: []string{f.pub(t, "A")}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)

	res := f.handle(t, f.channel(), witnessOf(t, f.key(t, "X"), update))
	requireStatus(t, res, StatusApplied, nil)
	assert.Empty(t, res.Commits)
	assert.Empty(t, f.lao(t).WitnessMessages[update.MessageID].Witnesses)

	res = f.handle(t, f.channel(), witnessOf(t, f.key(t, "A"), update))
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1, "an outsider cannot hold back the commit")
	sigs := res.Commits[0].State.ModificationSignatures
	require.Len(t, sigs, 1)
	assert.Equal(t, f.pub(t, "A"), sigs[0].Witness)
}

func TestPaddedSenderCannotStallCommit(t *testing.T) {
	f := newFixture(t, "A")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 5, Witnesses: []string{f.pub(t, "A")}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)

	honest := witnessOf(t, f.key(t, "A"), update)
	relayed := honest.Clone()
	relayed.Sender += "="
	res := f.handle(t, f.channel(), relayed)
	requireStatus(t, res, StatusDropped, ErrCryptoFailure)

	res = f.handle(t, f.channel(), honest)
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1)

	stored, err := f.m.Message(f.ctx, f.laoID, update.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{f.pub(t, "A")}, stored.WitnessKeys())
	assert.Equal(t, []string{f.pub(t, "A")}, f.lao(t).WitnessMessages[update.MessageID].Witnesses)
}

func TestPaddedCoSignatureIsStoredCanonically(t *testing.T) {
	f := newFixture(t, "A")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 5, Witnesses: []string{f.pub(t, "A")}})
	sig, err := protocol.SignMessageID(f.key(t, "A"), update.MessageID)
	require.NoError(t, err)
	update.WitnessSignatures = append(update.WitnessSignatures, protocol.WitnessSignature{Witness: f.pub(t, "A") + "=", Signature: sig})

	res := f.handle(t, f.channel(), update)
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, f.pub(t, "A"), res.Commits[0].State.ModificationSignatures[0].Witness)
}

func TestNonCanonicalWitnessKeysAreRejected(t *testing.T) {
	f := newFixture(t, "A")
	res := f.handle(t, f.channel(), signed(t, f.org, protocol.UpdateLao{
		ID: f.laoID, Name: "Assoc", LastModified: creation + 1, Witnesses: []string{f.pub(t, "A") + "="},
	}))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)

	c := protocol.NewCreateLao(f.org.PublicKey(), "Other", creation, []string{"not-a-key"})
	res = f.handle(t, protocol.RootChannel, signed(t, f.org, c))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)
}

func TestEmbeddedCoSignaturesCommitOnFirstDelivery(t *testing.T) {
	f := newFixture(t, "A", "B")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 5, Witnesses: []string{f.pub(t, "A"), f.pub(t, "B")}})
	for _, name := range []string{"A", "B"} {
		sig, err := protocol.SignMessageID(f.key(t, name), update.MessageID)
		require.NoError(t, err)
		_, err = update.AddWitnessSignature(f.pub(t, name), sig)
		require.NoError(t, err)
	}

	res := f.handle(t, f.channel(), update)
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1)
	assert.Len(t, res.Commits[0].State.ModificationSignatures, 2)
	assert.Len(t, f.lao(t).WitnessMessages[update.MessageID].Witnesses, 2)

	for _, name := range []string{"A", "B"} {
		res = f.handle(t, f.channel(), witnessOf(t, f.key(t, name), update))
		requireStatus(t, res, StatusApplied, nil)
		assert.Empty(t, res.Commits, "a pending update is committed once")
	}

	l := f.lao(t)
	require.Len(t, l.PendingUpdates, 1)
	assert.True(t, l.PendingUpdates[0].CommitRequested)
}

func TestCoSignaturesOnRedeliveryCompleteCommit(t *testing.T) {
	f := newFixture(t, "A", "B")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 5, Witnesses: []string{f.pub(t, "A"), f.pub(t, "B")}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)

	res := f.handle(t, f.channel(), witnessOf(t, f.key(t, "A"), update))
	requireStatus(t, res, StatusApplied, nil)
	assert.Empty(t, res.Commits)

	copyWithB := update.Clone()
	sig, err := protocol.SignMessageID(f.key(t, "B"), update.MessageID)
	require.NoError(t, err)
	copyWithB.WitnessSignatures = append(copyWithB.WitnessSignatures, protocol.WitnessSignature{Witness: f.pub(t, "B"), Signature: sig})

	res = f.handle(t, f.channel(), copyWithB)
	requireStatus(t, res, StatusDropped, ErrDuplicate)
	require.Len(t, res.Commits, 1)
	assert.Len(t, res.Commits[0].State.ModificationSignatures, 2)

	res = f.handle(t, f.channel(), witnessOf(t, f.key(t, "B"), update))
	requireStatus(t, res, StatusApplied, nil)
	assert.Empty(t, res.Commits)
	assert.Len(t, f.lao(t).WitnessMessages[update.MessageID].Witnesses, 2)
}

func TestWitnessSignatureIsScopedToItsLao(t *testing.T) {
	x := newFixture(t, "A")
	a := x.key(t, "A")
	yCreate := protocol.NewCreateLao(x.org.PublicKey(), "Other", creation, []string{a.PublicKey()})
	requireStatus(t, x.handle(t, protocol.RootChannel, signed(t, x.org, yCreate)), StatusApplied, nil)
	yChannel := protocol.LaoChannel(yCreate.ID)

	update := signed(t, x.org, protocol.UpdateLao{ID: x.laoID, Name: "Assoc2", LastModified: creation + 5, Witnesses: []string{a.PublicKey()}})
	requireStatus(t, x.handle(t, x.channel(), update), StatusApplied, nil)

	sig := witnessOf(t, a, update)
	res := x.handle(t, yChannel, sig)
	requireStatus(t, res, StatusDeferred, ErrUnknownMessage)

	res = x.handle(t, x.channel(), sig)
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1)

	st := res.Commits[0].State
	st.ID, st.Name, st.Creation = yCreate.ID, yCreate.Name, yCreate.Creation
	res = x.handle(t, yChannel, signed(t, x.org, st))
	requireStatus(t, res, StatusDeferred, ErrUnknownMessage)

	require.NoError(t, x.m.Forget(x.ctx, yCreate.ID))
	_, err := x.m.Message(x.ctx, x.laoID, update.MessageID)
	require.NoError(t, err, "forgetting another lao keeps this one's envelopes")
}

func TestStaleUpdateIsNoop(t *testing.T) {
	f := newFixture(t, "A")
	before := f.lao(t)

	for _, ts := range []int64{creation, creation - 1} {
		update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: fmt.Sprintf("n%d", ts), LastModified: ts})
		res := f.handle(t, f.channel(), update)
		requireStatus(t, res, StatusDropped, ErrStaleUpdate)
		assert.Equal(t, before, f.lao(t))

		_, err := f.m.Message(f.ctx, f.laoID, update.MessageID)
		require.NoError(t, err, "stale updates stay available to witnesses")
	}
}

func TestUpdateValidation(t *testing.T) {
	f := newFixture(t, "A")

	res := f.handle(t, f.channel(), signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc", LastModified: creation + 1, Witnesses: []string{f.pub(t, "A")}}))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)

	res = f.handle(t, f.channel(), signed(t, f.key(t, "A"), protocol.UpdateLao{ID: f.laoID, Name: "X", LastModified: creation + 1}))
	requireStatus(t, res, StatusRejected, ErrProtocolViolation)

	res = f.handle(t, protocol.LaoChannel("elsewhere"), signed(t, f.org, protocol.UpdateLao{ID: "elsewhere", Name: "X", LastModified: creation + 1}))
	requireStatus(t, res, StatusDeferred, ErrUnknownLao)

	res = f.handle(t, f.channel(), signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Y", LastModified: creation + 2, Witnesses: []string{f.pub(t, "A")}}))
	requireStatus(t, res, StatusApplied, nil)
	assert.Len(t, f.lao(t).PendingUpdates, 1)
}

func TestWitnessUpdateDescribesWitnesses(t *testing.T) {
	f := newFixture(t, "A")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc", LastModified: creation + 1, Witnesses: []string{f.pub(t, "A"), f.pub(t, "B")}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)
	wm := f.lao(t).WitnessMessages[update.MessageID]
	assert.Equal(t, titleUpdateWitnesses, wm.Title)
	assert.Contains(t, wm.Description, f.pub(t, "B"))
}

func TestWitnessSignatureForUnknownMessageIsDeferred(t *testing.T) {
	f := newFixture(t, "A")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 1, Witnesses: []string{f.pub(t, "A")}})
	sig := witnessOf(t, f.key(t, "A"), update)

	res := f.handle(t, f.channel(), sig)
	requireStatus(t, res, StatusDeferred, ErrUnknownMessage)
	assert.True(t, errors.Is(res.Reason, ErrUnknownReference))
	assert.True(t, res.Retryable())

	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)
	res = f.handle(t, f.channel(), sig)
	requireStatus(t, res, StatusApplied, nil)
	require.Len(t, res.Commits, 1)
}

// stateScenario builds a Lao with witness W1 and returns a rename update
// together with the matching, fully signed State.
func stateScenario(t *testing.T, org, w1 protocol.KeyPair) (create, update, state protocol.Message) {
	c := protocol.NewCreateLao(org.PublicKey(), "Assoc", creation, []string{w1.PublicKey()})
	create = signed(t, org, c)
	update = signed(t, org, protocol.UpdateLao{ID: c.ID, Name: "Assoc2", LastModified: creation + 10, Witnesses: []string{w1.PublicKey()}})
	sig, err := protocol.SignMessageID(w1, update.MessageID)
	require.NoError(t, err)
	state = signed(t, org, protocol.StateLao{
		ID: c.ID, Name: "Assoc2", Creation: creation, LastModified: creation + 10,
		Organizer: org.PublicKey(), Witnesses: []string{w1.PublicKey()},
		ModificationID:         update.MessageID,
		ModificationSignatures: []protocol.WitnessSignature{{Witness: w1.PublicKey(), Signature: sig}},
	})
	return create, update, state
}

func TestStateBeforeUpdateConvergesAfterRedelivery(t *testing.T) {
	ctx := context.Background()
	org, w1 := mustKey(t), mustKey(t)
	create, update, state := stateScenario(t, org, w1)
	laoID := protocol.NewCreateLao(org.PublicKey(), "Assoc", creation, nil).ID
	ch := protocol.LaoChannel(laoID)

	inOrder := newMachine()
	for _, msg := range []protocol.Message{create, update, state} {
		res, err := inOrder.Handle(ctx, ch, msg)
		require.NoError(t, err)
		requireStatus(t, res, StatusApplied, nil)
	}

	raced := newMachine()
	res, err := raced.Handle(ctx, protocol.RootChannel, create)
	require.NoError(t, err)
	requireStatus(t, res, StatusApplied, nil)

	res, err = raced.Handle(ctx, ch, state)
	require.NoError(t, err)
	requireStatus(t, res, StatusDeferred, ErrUnknownMessage)

	res, err = raced.Handle(ctx, ch, update)
	require.NoError(t, err)
	requireStatus(t, res, StatusApplied, nil)

	res, err = raced.Handle(ctx, ch, state)
	require.NoError(t, err)
	requireStatus(t, res, StatusApplied, nil)

	want, err := inOrder.Lao(ctx, laoID)
	require.NoError(t, err)
	got, err := raced.Lao(ctx, laoID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "Assoc2", got.Name)
	assert.Empty(t, got.PendingUpdates)
}

func TestStateWithBadSignatureIsDropped(t *testing.T) {
	f := newFixture(t, "W1")
	w1 := f.key(t, "W1")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 10, Witnesses: []string{w1.PublicKey()}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)

	forged, err := protocol.SignMessageID(f.org, update.MessageID)
	require.NoError(t, err)
	good, err := protocol.SignMessageID(w1, update.MessageID)
	require.NoError(t, err)
	state := protocol.StateLao{
		ID: f.laoID, Name: "Assoc2", Creation: creation, LastModified: creation + 10,
		Organizer: f.org.PublicKey(), Witnesses: []string{w1.PublicKey()},
		ModificationID: update.MessageID,
		ModificationSignatures: []protocol.WitnessSignature{
			{Witness: w1.PublicKey(), Signature: good},
			{Witness: f.pub(t, "X"), Signature: forged},
		},
	}
	res := f.handle(t, f.channel(), signed(t, f.org, state))
	requireStatus(t, res, StatusDropped, ErrCryptoFailure)

	l := f.lao(t)
	assert.Equal(t, "Assoc", l.Name)
	assert.Len(t, l.PendingUpdates, 1)
}

func TestStateMustMatchItsUpdate(t *testing.T) {
	f := newFixture(t, "W1")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc2", LastModified: creation + 10, Witnesses: []string{f.pub(t, "W1")}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)

	state := protocol.StateLao{
		ID: f.laoID, Name: "Hijacked", Creation: creation, LastModified: creation + 10,
		Organizer: f.org.PublicKey(), Witnesses: []string{f.pub(t, "W1")},
		ModificationID: update.MessageID, ModificationSignatures: []protocol.WitnessSignature{},
	}
	res := f.handle(t, f.channel(), signed(t, f.org, state))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)
	assert.Equal(t, "Assoc", f.lao(t).Name)
}

func TestGreetLao(t *testing.T) {
	f := newFixture(t)
	server := mustKey(t)
	greet := protocol.GreetLao{Lao: f.laoID, Frontend: server.PublicKey(), Address: "ws://localhost:9000/client", Peers: []protocol.PeerAddress{{Address: "ws://peer:9001"}}}

	res := f.handle(t, f.channel(), signed(t, server, greet))
	requireStatus(t, res, StatusApplied, nil)
	l := f.lao(t)
	require.NotNil(t, l.Server)
	assert.Equal(t, server.PublicKey(), l.Server.PublicKey)
	assert.Equal(t, []string{"ws://peer:9001"}, l.Server.Peers)

	res = f.handle(t, f.channel(), signed(t, f.org, greet))
	requireStatus(t, res, StatusRejected, ErrProtocolViolation)

	greet.Lao = "other"
	res = f.handle(t, f.channel(), signed(t, server, greet))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)
}

func electFor(f *fixture) protocol.ConsensusElect {
	key := protocol.ConsensusKey{Type: "election", ID: protocol.Hash("election", f.laoID), Property: "state"}
	return protocol.ConsensusElect{InstanceID: protocol.ElectInstanceID(key), CreatedAt: creation + 20, Key: key, Value: "started"}
}

func TestConsensusAcceptedIsTerminal(t *testing.T) {
	f := newFixture(t, "W1", "W2")
	ch := protocol.ConsensusChannel(f.laoID)
	e := electFor(f)

	elect := signed(t, f.org, e)
	res := f.handle(t, ch, elect)
	requireStatus(t, res, StatusApplied, nil)
	require.NotNil(t, res.Instance)
	assert.Equal(t, consensus.StateStarting, res.Instance.State)
	assert.Equal(t, protocol.SortedKeys([]string{f.org.PublicKey(), f.pub(t, "W1"), f.pub(t, "W2")}), res.Instance.EligibleNodes)
	assert.Empty(t, res.Instance.Accepts, "the proposer does not implicitly accept")

	res = f.handle(t, ch, signed(t, f.key(t, "W1"), protocol.ConsensusElectAccept{InstanceID: e.InstanceID, MessageID: elect.MessageID, Accept: true}))
	requireStatus(t, res, StatusApplied, nil)
	assert.Equal(t, consensus.StateWaiting, res.Instance.State)

	learn := protocol.ConsensusLearn{InstanceID: e.InstanceID, MessageID: elect.MessageID, CreatedAt: creation + 30, Value: protocol.LearnValue{Decision: true}}
	res = f.handle(t, ch, signed(t, f.org, learn))
	requireStatus(t, res, StatusApplied, nil)
	assert.Equal(t, consensus.StateAccepted, res.Instance.State)

	learn.CreatedAt++
	learn.Value.Decision = false
	res = f.handle(t, ch, signed(t, f.org, learn))
	requireStatus(t, res, StatusDropped, ErrAlreadyDecided)

	res = f.handle(t, ch, signed(t, f.org, protocol.ConsensusFailure{InstanceID: e.InstanceID, MessageID: elect.MessageID, CreatedAt: creation + 40}))
	requireStatus(t, res, StatusDropped, ErrAlreadyDecided)

	inst, err := f.m.ElectInstance(f.ctx, f.laoID, elect.MessageID)
	require.NoError(t, err)
	assert.Equal(t, consensus.StateAccepted, inst.State)
}

func TestConsensusFailedIsTerminal(t *testing.T) {
	f := newFixture(t, "W1")
	ch := protocol.ConsensusChannel(f.laoID)
	e := electFor(f)
	elect := signed(t, f.org, e)
	requireStatus(t, f.handle(t, ch, elect), StatusApplied, nil)

	res := f.handle(t, ch, signed(t, f.org, protocol.ConsensusFailure{InstanceID: e.InstanceID, MessageID: elect.MessageID, CreatedAt: creation + 21}))
	requireStatus(t, res, StatusApplied, nil)
	assert.Equal(t, consensus.StateFailed, res.Instance.State)

	res = f.handle(t, ch, signed(t, f.org, protocol.ConsensusLearn{InstanceID: e.InstanceID, MessageID: elect.MessageID, CreatedAt: creation + 22, Value: protocol.LearnValue{Decision: true}}))
	requireStatus(t, res, StatusDropped, ErrAlreadyDecided)

	instances, err := f.m.ElectInstances(f.ctx, f.laoID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, consensus.StateFailed, instances[0].State)
}

func TestLearnWithoutDecisionKeepsInstanceOpen(t *testing.T) {
	f := newFixture(t, "W1")
	ch := protocol.ConsensusChannel(f.laoID)
	e := electFor(f)
	elect := signed(t, f.org, e)
	requireStatus(t, f.handle(t, ch, elect), StatusApplied, nil)

	res := f.handle(t, ch, signed(t, f.org, protocol.ConsensusLearn{InstanceID: e.InstanceID, MessageID: elect.MessageID, CreatedAt: creation + 21}))
	requireStatus(t, res, StatusApplied, nil)
	assert.Equal(t, consensus.StateStarting, res.Instance.State)
}

func TestConsensusOrderingAndEligibility(t *testing.T) {
	f := newFixture(t, "W1")
	ch := protocol.ConsensusChannel(f.laoID)
	e := electFor(f)
	elect := signed(t, f.org, e)

	accept := signed(t, f.key(t, "W1"), protocol.ConsensusElectAccept{InstanceID: e.InstanceID, MessageID: elect.MessageID, Accept: true})
	res := f.handle(t, ch, accept)
	requireStatus(t, res, StatusDeferred, ErrUnknownInstance)

	res = f.handle(t, ch, signed(t, f.org, protocol.ConsensusLearn{InstanceID: e.InstanceID, MessageID: elect.MessageID, Value: protocol.LearnValue{Decision: true}}))
	requireStatus(t, res, StatusDeferred, ErrUnknownInstance)

	requireStatus(t, f.handle(t, ch, elect), StatusApplied, nil)
	requireStatus(t, f.handle(t, ch, accept), StatusApplied, nil)

	res = f.handle(t, ch, signed(t, f.key(t, "outsider"), protocol.ConsensusElectAccept{InstanceID: e.InstanceID, MessageID: elect.MessageID, Accept: true}))
	requireStatus(t, res, StatusRejected, ErrProtocolViolation)

	res = f.handle(t, ch, signed(t, f.key(t, "W1"), protocol.ConsensusElectAccept{InstanceID: "wrong", MessageID: elect.MessageID, Accept: true}))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)

	badElect := e
	badElect.InstanceID = "forged"
	res = f.handle(t, ch, signed(t, f.org, badElect))
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)
}

func TestEligibleSetIsASnapshot(t *testing.T) {
	f := newFixture(t)
	ch := protocol.ConsensusChannel(f.laoID)
	e := electFor(f)
	elect := signed(t, f.org, e)
	requireStatus(t, f.handle(t, ch, elect), StatusApplied, nil)

	// W1 joins afterwards through an update/state pair
	w1 := f.key(t, "W1")
	update := signed(t, f.org, protocol.UpdateLao{ID: f.laoID, Name: "Assoc", LastModified: creation + 30, Witnesses: []string{w1.PublicKey()}})
	requireStatus(t, f.handle(t, f.channel(), update), StatusApplied, nil)
	state := protocol.StateLao{
		ID: f.laoID, Name: "Assoc", Creation: creation, LastModified: creation + 30,
		Organizer: f.org.PublicKey(), Witnesses: []string{w1.PublicKey()},
		ModificationID: update.MessageID, ModificationSignatures: []protocol.WitnessSignature{},
	}
	requireStatus(t, f.handle(t, f.channel(), signed(t, f.org, state)), StatusApplied, nil)
	assert.True(t, f.lao(t).IsWitness(w1.PublicKey()))

	res := f.handle(t, ch, signed(t, w1, protocol.ConsensusElectAccept{InstanceID: e.InstanceID, MessageID: elect.MessageID, Accept: true}))
	requireStatus(t, res, StatusRejected, ErrProtocolViolation)
}

func TestBackendOnlyAndUnknownKindsAreDropped(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"action":"prepare","instance_id":"i","object":"consensus"}`)
	msg, err := protocol.NewMessageFromBytes(f.org, raw)
	require.NoError(t, err)
	res := f.handle(t, protocol.ConsensusChannel(f.laoID), msg)
	requireStatus(t, res, StatusDropped, ErrBackendOnly)

	msg, err = protocol.NewMessageFromBytes(f.org, []byte(`{"action":"add","object":"chirp","text":"hi"}`))
	require.NoError(t, err)
	res = f.handle(t, f.channel(), msg)
	requireStatus(t, res, StatusDropped, ErrUnrecognized)

	msg, err = protocol.NewMessageFromBytes(f.org, []byte(`[1,2]`))
	require.NoError(t, err)
	res = f.handle(t, f.channel(), msg)
	requireStatus(t, res, StatusRejected, ErrMalformedPayload)
}

func TestForget(t *testing.T) {
	f := newFixture(t, "W1")
	ch := protocol.ConsensusChannel(f.laoID)
	requireStatus(t, f.handle(t, ch, signed(t, f.org, electFor(f))), StatusApplied, nil)

	require.NoError(t, f.m.Forget(f.ctx, f.laoID))
	_, err := f.m.Lao(f.ctx, f.laoID)
	require.ErrorIs(t, err, lao.ErrNotFound)
	instances, err := f.m.ElectInstances(f.ctx, f.laoID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestDifferentLaosInParallel(t *testing.T) {
	m := newMachine()
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			org, err := protocol.GenerateKeyPair()
			if err != nil {
				errs <- err
				return
			}
			c := protocol.NewCreateLao(org.PublicKey(), fmt.Sprintf("lao-%d", i), creation, nil)
			msg, err := protocol.NewMessage(org, c)
			if err != nil {
				errs <- err
				return
			}
			res, err := m.Handle(ctx, protocol.RootChannel, msg)
			if err != nil {
				errs <- err
				return
			}
			if res.Status != StatusApplied {
				errs <- fmt.Errorf("lao-%d: %s %v", i, res.Status, res.Reason)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	laos, err := m.Laos(ctx)
	require.NoError(t, err)
	assert.Len(t, laos, 8)
}

func TestStorageErrorsPropagate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	laos := laoMocks.NewMockRepository(ctrl)
	messages := laoMocks.NewMockMessageRepository(ctrl)
	instances := consensusMocks.NewMockRepository(ctrl)
	m := NewMachine(laos, messages, instances, nil, zerolog.Nop())

	org := mustKey(t)
	c := protocol.NewCreateLao(org.PublicKey(), "Assoc", creation, nil)
	msg := signed(t, org, c)
	boom := errors.New("disk on fire")

	messages.EXPECT().GetMessage(gomock.Any(), c.ID, msg.MessageID).Return(nil, lao.ErrMessageNotFound)
	laos.EXPECT().Get(gomock.Any(), c.ID).Return(nil, lao.ErrNotFound)
	laos.EXPECT().Put(gomock.Any(), gomock.Any()).Return(boom)

	_, err := m.Handle(context.Background(), protocol.RootChannel, msg)
	require.ErrorIs(t, err, boom)
}

func TestEnvelopeStoredAfterProjection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	laos := laoMocks.NewMockRepository(ctrl)
	messages := laoMocks.NewMockMessageRepository(ctrl)
	instances := consensusMocks.NewMockRepository(ctrl)
	m := NewMachine(laos, messages, instances, nil, zerolog.Nop())

	org := mustKey(t)
	c := protocol.NewCreateLao(org.PublicKey(), "Assoc", creation, nil)
	msg := signed(t, org, c)

	gomock.InOrder(
		messages.EXPECT().GetMessage(gomock.Any(), c.ID, msg.MessageID).Return(nil, lao.ErrMessageNotFound),
		laos.EXPECT().Get(gomock.Any(), c.ID).Return(nil, lao.ErrNotFound),
		laos.EXPECT().Put(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, l *lao.Lao) error {
			assert.Equal(t, "Assoc", l.Name)
			return nil
		}),
		messages.EXPECT().PutMessage(gomock.Any(), c.ID, gomock.Any()).Return(nil),
	)

	res, err := m.Handle(context.Background(), protocol.RootChannel, msg)
	require.NoError(t, err)
	requireStatus(t, res, StatusApplied, nil)
}
