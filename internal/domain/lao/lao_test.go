package lao

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

func TestNewFromCreate(t *testing.T) {
	l := New(protocol.NewCreateLao("org", "Assoc", 100, []string{"w2", "w1"}))
	assert.Equal(t, int64(100), l.LastModified)
	assert.Equal(t, []string{"w1", "w2"}, l.Witnesses)
	assert.True(t, l.IsWitness("w1"))
	assert.False(t, l.IsWitness("org"))
	assert.True(t, l.IsOrganizer("org"))
	assert.Equal(t, []string{"org", "w1", "w2"}, l.EligibleNodes())
}

func TestPendingUpdates(t *testing.T) {
	l := New(protocol.NewCreateLao("org", "Assoc", 100, []string{"w1"}))
	require.True(t, l.AddPendingUpdate(PendingUpdate{ModificationTime: 120, MessageID: "b"}))
	require.True(t, l.AddPendingUpdate(PendingUpdate{ModificationTime: 110, MessageID: "a"}))
	require.False(t, l.AddPendingUpdate(PendingUpdate{ModificationTime: 110, MessageID: "a"}))
	assert.Equal(t, "a", l.PendingUpdates[0].MessageID)

	p, ok := l.PendingUpdateFor("b")
	require.True(t, ok)
	assert.Equal(t, int64(120), p.ModificationTime)

	assert.True(t, l.MarkCommitRequested("b"))
	assert.False(t, l.MarkCommitRequested("b"))
	assert.False(t, l.MarkCommitRequested("missing"))
	p, _ = l.PendingUpdateFor("b")
	assert.True(t, p.CommitRequested)

	assert.Equal(t, 1, l.PrunePendingUpdates(110))
	assert.Len(t, l.PendingUpdates, 1)
	assert.Equal(t, 1, l.PrunePendingUpdates(120))
	assert.Empty(t, l.PendingUpdates)
}

func TestCloneIsDeep(t *testing.T) {
	l := New(protocol.NewCreateLao("org", "Assoc", 100, []string{"w1"}))
	l.WitnessMessages["m"] = NewWitnessMessage("m", "t", "d")
	l.Server = &ServerInfo{PublicKey: "srv", Peers: []string{"p"}}

	c := l.Clone()
	c.Witnesses[0] = "changed"
	c.WitnessMessages["m"].AddWitness("w1")
	c.Server.Peers[0] = "q"

	assert.Equal(t, "w1", l.Witnesses[0])
	assert.Empty(t, l.WitnessMessages["m"].Witnesses)
	assert.Equal(t, "p", l.Server.Peers[0])
}

func TestWitnessMessageAddWitness(t *testing.T) {
	wm := NewWitnessMessage("m", "t", "d")
	assert.True(t, wm.AddWitness("c"))
	assert.True(t, wm.AddWitness("a"))
	assert.False(t, wm.AddWitness("c"))
	assert.Equal(t, []string{"a", "c"}, wm.Witnesses)
}

func TestSameWitnesses(t *testing.T) {
	assert.True(t, SameWitnesses([]string{"b", "a"}, []string{"a", "b", "a"}))
	assert.False(t, SameWitnesses([]string{"a"}, []string{"a", "b"}))
	assert.True(t, SameWitnesses(nil, []string{}))
}
