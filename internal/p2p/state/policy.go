package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// DefaultCommitPolicy is exact set equality between the registered witnesses
// and those of them that signed. Signers outside the registered set are not
// witnesses of the Lao and do not count either way.
const DefaultCommitPolicy = "signed == witnesses"

// CommitPolicy decides whether collected witness signatures allow a Lao
// update to be committed. The expression sees three numbers: witnesses
// (registered count), signed (registered witnesses that signed) and foreign
// (signers outside the registered set).
type CommitPolicy struct {
	source string
	expr   *govaluate.EvaluableExpression
}

func NewCommitPolicy(expression string) (*CommitPolicy, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		src = DefaultCommitPolicy
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("parse commit policy: %w", err)
	}
	for _, v := range expr.Vars() {
		switch v {
		case "witnesses", "signed", "foreign":
		default:
			return nil, fmt.Errorf("commit policy: unknown variable %q", v)
		}
	}
	return &CommitPolicy{source: src, expr: expr}, nil
}

// MustCommitPolicy is NewCommitPolicy that panics, for constants.
func MustCommitPolicy(expression string) *CommitPolicy {
	p, err := NewCommitPolicy(expression)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *CommitPolicy) String() string { return p.source }

// Satisfied evaluates the policy. registered must be sorted and unique.
func (p *CommitPolicy) Satisfied(registered, signers []string) (bool, error) {
	reg := make(map[string]struct{}, len(registered))
	for _, k := range registered {
		reg[k] = struct{}{}
	}
	signed, foreign := 0, 0
	seen := make(map[string]struct{}, len(signers))
	for _, k := range signers {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := reg[k]; ok {
			signed++
		} else {
			foreign++
		}
	}
	result, err := p.expr.Evaluate(map[string]interface{}{
		"witnesses": float64(len(reg)),
		"signed":    float64(signed),
		"foreign":   float64(foreign),
	})
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("commit policy did not evaluate to boolean")
	}
}
