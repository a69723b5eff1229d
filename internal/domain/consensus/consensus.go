package consensus

import (
	"errors"
	"sort"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

var ErrNotFound = errors.New("elect instance not found")

// State is the lifecycle position of an ElectInstance.
type State string

const (
	StateStarting State = "STARTING"
	StateWaiting  State = "WAITING"
	StateAccepted State = "ACCEPTED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateFailed
}

// Accept is one node's answer to an Elect.
type Accept struct {
	MessageID string `json:"message_id" msgpack:"message_id"`
	Accept    bool   `json:"accept" msgpack:"accept"`
}

// ElectInstance tracks one single-decree consensus run, keyed by the Elect
// message id.
type ElectInstance struct {
	MessageID     string                `json:"message_id" msgpack:"message_id"`
	Channel       string                `json:"channel" msgpack:"channel"`
	LaoID         string                `json:"lao_id" msgpack:"lao_id"`
	InstanceID    string                `json:"instance_id" msgpack:"instance_id"`
	Proposer      string                `json:"proposer" msgpack:"proposer"`
	Key           protocol.ConsensusKey `json:"key" msgpack:"key"`
	Value         string                `json:"value" msgpack:"value"`
	CreatedAt     int64                 `json:"created_at" msgpack:"created_at"`
	EligibleNodes []string              `json:"eligible_nodes" msgpack:"eligible_nodes"`
	Accepts       map[string]Accept     `json:"accepts" msgpack:"accepts"`
	State         State                 `json:"state" msgpack:"state"`
	DecidedBy     string                `json:"decided_by,omitempty" msgpack:"decided_by"`
}

// NewElectInstance creates an instance in STARTING with a frozen copy of the
// eligible node set.
func NewElectInstance(messageID string, channel protocol.Channel, laoID, proposer string, elect protocol.ConsensusElect, eligible []string) *ElectInstance {
	return &ElectInstance{
		MessageID:     messageID,
		Channel:       channel.String(),
		LaoID:         laoID,
		InstanceID:    elect.InstanceID,
		Proposer:      proposer,
		Key:           elect.Key,
		Value:         elect.Value,
		CreatedAt:     elect.CreatedAt,
		EligibleNodes: protocol.SortedKeys(eligible),
		Accepts:       map[string]Accept{},
		State:         StateStarting,
	}
}

func (e *ElectInstance) IsEligible(node string) bool {
	i := sort.SearchStrings(e.EligibleNodes, node)
	return i < len(e.EligibleNodes) && e.EligibleNodes[i] == node
}

// RecordAccept stores a node's answer. A positive answer moves STARTING to
// WAITING. It reports false when nothing changed.
func (e *ElectInstance) RecordAccept(node string, a Accept) bool {
	if prev, ok := e.Accepts[node]; ok && prev == a {
		return false
	}
	e.Accepts[node] = a
	if a.Accept && e.State == StateStarting {
		e.State = StateWaiting
	}
	return true
}

// AcceptCount returns the number of positive answers.
func (e *ElectInstance) AcceptCount() int {
	n := 0
	for _, a := range e.Accepts {
		if a.Accept {
			n++
		}
	}
	return n
}

// Decide moves the instance to ACCEPTED. Terminal instances do not change.
func (e *ElectInstance) Decide(by string) bool {
	if e.State.Terminal() {
		return false
	}
	e.State = StateAccepted
	e.DecidedBy = by
	return true
}

// Fail moves the instance to FAILED. Terminal instances do not change.
func (e *ElectInstance) Fail(by string) bool {
	if e.State.Terminal() {
		return false
	}
	e.State = StateFailed
	e.DecidedBy = by
	return true
}

func (e *ElectInstance) Clone() *ElectInstance {
	if e == nil {
		return nil
	}
	out := *e
	out.EligibleNodes = append([]string{}, e.EligibleNodes...)
	out.Accepts = make(map[string]Accept, len(e.Accepts))
	for k, v := range e.Accepts {
		out.Accepts[k] = v
	}
	return &out
}

// Normalize fills nil collections, e.g. after decoding a stored record.
func (e *ElectInstance) Normalize() {
	if e.EligibleNodes == nil {
		e.EligibleNodes = []string{}
	}
	if e.Accepts == nil {
		e.Accepts = map[string]Accept{}
	}
}
