package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Object is the first half of the payload dispatch tag.
type Object string

// Action is the second half of the payload dispatch tag.
type Action string

const (
	ObjectLao       Object = "lao"
	ObjectMessage   Object = "message"
	ObjectConsensus Object = "consensus"

	ActionCreate      Action = "create"
	ActionUpdate      Action = "update_properties"
	ActionState       Action = "state"
	ActionGreet       Action = "greet"
	ActionWitness     Action = "witness"
	ActionElect       Action = "elect"
	ActionElectAccept Action = "elect_accept"
	ActionLearn       Action = "learn"
	ActionFailure     Action = "failure"
	ActionPrepare     Action = "prepare"
	ActionPromise     Action = "promise"
	ActionPropose     Action = "propose"
	ActionAccept      Action = "accept"
)

// Kind is the (object, action) pair carried by every payload.
type Kind struct {
	Object Object `json:"object"`
	Action Action `json:"action"`
}

func (k Kind) String() string {
	return string(k.Object) + "#" + string(k.Action)
}

var ErrMalformedData = errors.New("malformed payload")

// Data is the closed set of payload kinds. Only types in this package
// implement it; anything else decodes to Unrecognized.
type Data interface {
	Kind() Kind
	isData()
}

// CreateLao announces a new organization.
type CreateLao struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Creation  int64    `json:"creation"`
	Organizer string   `json:"organizer"`
	Witnesses []string `json:"witnesses"`
}

// NewCreateLao fills in the derived Lao id.
func NewCreateLao(organizer, name string, creation int64, witnesses []string) CreateLao {
	return CreateLao{
		ID:        LaoID(organizer, creation, name),
		Name:      name,
		Creation:  creation,
		Organizer: organizer,
		Witnesses: SortedKeys(witnesses),
	}
}

// LaoID derives the id of a Lao from its creation parameters.
func LaoID(organizer string, creation int64, name string) string {
	return Hash(organizer, strconv.FormatInt(creation, 10), name)
}

// UpdateLao proposes new metadata, to be co-signed by witnesses.
type UpdateLao struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	LastModified int64    `json:"last_modified"`
	Witnesses    []string `json:"witnesses"`
}

// StateLao commits metadata once witnesses signed the modification.
type StateLao struct {
	ID                     string             `json:"id"`
	Name                   string             `json:"name"`
	Creation               int64              `json:"creation"`
	LastModified           int64              `json:"last_modified"`
	Organizer              string             `json:"organizer"`
	Witnesses              []string           `json:"witnesses"`
	ModificationID         string             `json:"modification_id"`
	ModificationSignatures []WitnessSignature `json:"modification_signatures"`
}

// PeerAddress is one server a Lao can be reached through.
type PeerAddress struct {
	Address string `json:"address"`
}

// GreetLao tells clients which server backs a Lao.
type GreetLao struct {
	Lao      string        `json:"lao"`
	Frontend string        `json:"frontend"`
	Address  string        `json:"address"`
	Peers    []PeerAddress `json:"peers"`
}

// WitnessMessageSignature is a witness co-signing an earlier message.
type WitnessMessageSignature struct {
	MessageID string `json:"message_id"`
	Signature string `json:"signature"`
}

// ConsensusKey identifies what an Elect instance decides on.
type ConsensusKey struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Property string `json:"property"`
}

// ElectInstanceID derives the instance id for a key.
func ElectInstanceID(key ConsensusKey) string {
	return Hash("consensus", key.Type, key.ID, key.Property)
}

// ConsensusElect proposes a value.
type ConsensusElect struct {
	InstanceID string       `json:"instance_id"`
	CreatedAt  int64        `json:"created_at"`
	Key        ConsensusKey `json:"key"`
	Value      string       `json:"value"`
}

// ConsensusElectAccept is one node accepting an Elect.
type ConsensusElectAccept struct {
	InstanceID string `json:"instance_id"`
	MessageID  string `json:"message_id"`
	Accept     bool   `json:"accept"`
}

// LearnValue carries the decision of a Learn.
type LearnValue struct {
	Decision bool `json:"decision"`
}

// ConsensusLearn reports the decided outcome of an instance.
type ConsensusLearn struct {
	InstanceID         string     `json:"instance_id"`
	MessageID          string     `json:"message_id"`
	CreatedAt          int64      `json:"created_at"`
	Value              LearnValue `json:"value"`
	AcceptorSignatures []string   `json:"acceptor-signatures"`
}

// ConsensusFailure reports that an instance cannot be decided.
type ConsensusFailure struct {
	InstanceID string `json:"instance_id"`
	MessageID  string `json:"message_id"`
	CreatedAt  int64  `json:"created_at"`
}

// ConsensusBackend is a consensus phase only servers act upon
// (prepare, promise, propose, accept).
type ConsensusBackend struct {
	Act Action
	Raw json.RawMessage
}

// Unrecognized holds a payload whose tag is not known to this build.
type Unrecognized struct {
	Tag Kind
	Raw json.RawMessage
}

func (CreateLao) Kind() Kind               { return Kind{ObjectLao, ActionCreate} }
func (UpdateLao) Kind() Kind               { return Kind{ObjectLao, ActionUpdate} }
func (StateLao) Kind() Kind                { return Kind{ObjectLao, ActionState} }
func (GreetLao) Kind() Kind                { return Kind{ObjectLao, ActionGreet} }
func (WitnessMessageSignature) Kind() Kind { return Kind{ObjectMessage, ActionWitness} }
func (ConsensusElect) Kind() Kind          { return Kind{ObjectConsensus, ActionElect} }
func (ConsensusElectAccept) Kind() Kind    { return Kind{ObjectConsensus, ActionElectAccept} }
func (ConsensusLearn) Kind() Kind          { return Kind{ObjectConsensus, ActionLearn} }
func (ConsensusFailure) Kind() Kind        { return Kind{ObjectConsensus, ActionFailure} }
func (d ConsensusBackend) Kind() Kind      { return Kind{ObjectConsensus, d.Act} }
func (d Unrecognized) Kind() Kind          { return d.Tag }

func (CreateLao) isData()               {}
func (UpdateLao) isData()               {}
func (StateLao) isData()                {}
func (GreetLao) isData()                {}
func (WitnessMessageSignature) isData() {}
func (ConsensusElect) isData()          {}
func (ConsensusElectAccept) isData()    {}
func (ConsensusLearn) isData()          {}
func (ConsensusFailure) isData()        {}
func (ConsensusBackend) isData()        {}
func (Unrecognized) isData()            {}

func (d CreateLao) MarshalJSON() ([]byte, error) {
	type alias CreateLao
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d UpdateLao) MarshalJSON() ([]byte, error) {
	type alias UpdateLao
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d StateLao) MarshalJSON() ([]byte, error) {
	type alias StateLao
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d GreetLao) MarshalJSON() ([]byte, error) {
	type alias GreetLao
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d WitnessMessageSignature) MarshalJSON() ([]byte, error) {
	type alias WitnessMessageSignature
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d ConsensusElect) MarshalJSON() ([]byte, error) {
	type alias ConsensusElect
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d ConsensusElectAccept) MarshalJSON() ([]byte, error) {
	type alias ConsensusElectAccept
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d ConsensusLearn) MarshalJSON() ([]byte, error) {
	type alias ConsensusLearn
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d ConsensusFailure) MarshalJSON() ([]byte, error) {
	type alias ConsensusFailure
	return json.Marshal(struct {
		Kind
		alias
	}{d.Kind(), alias(d)})
}

func (d ConsensusBackend) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	return json.Marshal(d.Kind())
}

func (d Unrecognized) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	return json.Marshal(d.Tag)
}

// DecodeData parses a payload and returns its concrete kind. An error is
// returned only when the bytes are not a JSON object with a string tag or
// when a known kind fails to decode.
func DecodeData(raw []byte) (Data, error) {
	var tag Kind
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	switch tag.Object {
	case ObjectLao:
		switch tag.Action {
		case ActionCreate:
			return decodeAs[CreateLao](raw)
		case ActionUpdate:
			return decodeAs[UpdateLao](raw)
		case ActionState:
			return decodeAs[StateLao](raw)
		case ActionGreet:
			return decodeAs[GreetLao](raw)
		}
	case ObjectMessage:
		if tag.Action == ActionWitness {
			return decodeAs[WitnessMessageSignature](raw)
		}
	case ObjectConsensus:
		switch tag.Action {
		case ActionElect:
			return decodeAs[ConsensusElect](raw)
		case ActionElectAccept:
			return decodeAs[ConsensusElectAccept](raw)
		case ActionLearn:
			return decodeAs[ConsensusLearn](raw)
		case ActionFailure:
			return decodeAs[ConsensusFailure](raw)
		case ActionPrepare, ActionPromise, ActionPropose, ActionAccept:
			return ConsensusBackend{Act: tag.Action, Raw: append(json.RawMessage(nil), raw...)}, nil
		}
	}
	return Unrecognized{Tag: tag, Raw: append(json.RawMessage(nil), raw...)}, nil
}

func decodeAs[T Data](raw []byte) (Data, error) {
	out, err := DecodePayload[T](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return out, nil
}

// SortedKeys returns a sorted copy of keys without duplicates or blanks.
func SortedKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
