package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCommitPolicyIsExactSetEquality(t *testing.T) {
	p := MustCommitPolicy("")
	assert.Equal(t, DefaultCommitPolicy, p.String())

	cases := []struct {
		name    string
		signers []string
		want    bool
	}{
		{"none", nil, false},
		{"two of three", []string{"A", "B"}, false},
		{"all", []string{"C", "A", "B"}, true},
		{"all with repeat", []string{"A", "B", "C", "A"}, true},
		{"all plus foreign", []string{"A", "B", "C", "X"}, true},
		{"two plus foreign", []string{"A", "B", "X"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := p.Satisfied([]string{"A", "B", "C"}, tc.signers)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestMajorityCommitPolicy(t *testing.T) {
	p, err := NewCommitPolicy("signed * 2 > witnesses")
	require.NoError(t, err)

	ok, err := p.Satisfied([]string{"A", "B", "C"}, []string{"A", "B"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Satisfied([]string{"A", "B", "C"}, []string{"A"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStrictCommitPolicyCountsForeignSigners(t *testing.T) {
	p, err := NewCommitPolicy("signed == witnesses && foreign == 0")
	require.NoError(t, err)

	ok, err := p.Satisfied([]string{"A", "B"}, []string{"A", "B", "X"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitPolicyValidation(t *testing.T) {
	_, err := NewCommitPolicy("signed ==")
	require.Error(t, err)

	_, err = NewCommitPolicy("quorum > 2")
	require.Error(t, err)

	p, err := NewCommitPolicy("signed + 1")
	require.NoError(t, err)
	_, err = p.Satisfied([]string{"A"}, nil)
	require.Error(t, err)
}
