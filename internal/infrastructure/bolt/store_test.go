package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
	"github.com/popstellar/laocore/internal/p2p/state"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lao.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestLaoSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	l := lao.New(protocol.NewCreateLao("org", "Assoc", 10, []string{"w2", "w1"}))
	l.AddPendingUpdate(lao.PendingUpdate{ModificationTime: 20, MessageID: "u"})
	l.WitnessMessages["u"] = lao.NewWitnessMessage("u", "Update Lao name", "desc")
	l.Server = &lao.ServerInfo{PublicKey: "srv", Address: "ws://x", Peers: []string{"ws://y"}}
	require.NoError(t, s.Laos().Put(ctx, l))
	require.NoError(t, s.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Laos().Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	all, err := s.Laos().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.Laos().Delete(ctx, l.ID))
	require.ErrorIs(t, s.Laos().Delete(ctx, l.ID), lao.ErrNotFound)
	_, err = s.Laos().Get(ctx, l.ID)
	require.ErrorIs(t, err, lao.ErrNotFound)
}

func TestMessagesDeletedPerLao(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()
	key, err := protocol.GenerateKeyPair()
	require.NoError(t, err)

	a, err := protocol.NewMessage(key, protocol.NewCreateLao(key.PublicKey(), "A", 1, nil))
	require.NoError(t, err)
	b, err := protocol.NewMessage(key, protocol.NewCreateLao(key.PublicKey(), "B", 1, nil))
	require.NoError(t, err)
	require.NoError(t, s.Messages().PutMessage(ctx, "lao-a", a))
	require.NoError(t, s.Messages().PutMessage(ctx, "lao-b", b))

	require.NoError(t, s.Messages().PutMessage(ctx, "lao-b", a))

	got, err := s.Messages().GetMessage(ctx, "lao-a", a.MessageID)
	require.NoError(t, err)
	assert.True(t, got.Verify())
	_, err = s.Messages().GetMessage(ctx, "lao-a", b.MessageID)
	require.ErrorIs(t, err, lao.ErrMessageNotFound)

	require.NoError(t, s.Messages().DeleteMessages(ctx, "lao-a"))
	_, err = s.Messages().GetMessage(ctx, "lao-a", a.MessageID)
	require.ErrorIs(t, err, lao.ErrMessageNotFound)
	_, err = s.Messages().GetMessage(ctx, "lao-b", b.MessageID)
	require.NoError(t, err)
	_, err = s.Messages().GetMessage(ctx, "lao-b", a.MessageID)
	require.NoError(t, err, "a copy under another lao survives")
}

func TestInstancesByLao(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()

	for i, id := range []string{"x", "y"} {
		e := &consensus.ElectInstance{MessageID: id, LaoID: "lao", CreatedAt: int64(10 - i), State: consensus.StateStarting}
		require.NoError(t, s.Instances().Put(ctx, e))
	}
	require.NoError(t, s.Instances().Put(ctx, &consensus.ElectInstance{MessageID: "z", LaoID: "lao2"}))

	items, err := s.Instances().ListByLao(ctx, "lao")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "y", items[0].MessageID)

	_, err = s.Instances().Get(ctx, "lao", "nope")
	require.ErrorIs(t, err, consensus.ErrNotFound)

	require.NoError(t, s.Instances().DeleteByLao(ctx, "lao"))
	items, err = s.Instances().ListByLao(ctx, "lao")
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = s.Instances().Get(ctx, "lao2", "z")
	require.NoError(t, err)
}

func TestMachineOverBolt(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	defer s.Close()
	m := state.NewMachine(s.Laos(), s.Messages(), s.Instances(), nil, zerolog.Nop())

	org, err := protocol.GenerateKeyPair()
	require.NoError(t, err)
	create := protocol.NewCreateLao(org.PublicKey(), "Assoc", 1, nil)
	msg, err := protocol.NewMessage(org, create)
	require.NoError(t, err)

	res, err := m.Handle(ctx, protocol.RootChannel, msg)
	require.NoError(t, err)
	require.Equal(t, state.StatusApplied, res.Status)
	res, err = m.Handle(ctx, protocol.RootChannel, msg)
	require.NoError(t, err)
	require.Equal(t, state.StatusDropped, res.Status)
	require.ErrorIs(t, res.Reason, state.ErrDuplicate)
}
