package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// WitnessSignature is a co-signature of a message id by a witness.
type WitnessSignature struct {
	Witness   string `json:"witness"`
	Signature string `json:"signature"`
}

// Message is the signed, content-addressed envelope relayed on channels.
type Message struct {
	MessageID         string             `json:"message_id"`
	Sender            string             `json:"sender"`    // base64url ed25519 public key
	Signature         string             `json:"signature"` // base64url signature over data bytes
	Data              string             `json:"data"`      // base64url canonical JSON payload
	WitnessSignatures []WitnessSignature `json:"witness_signatures"`
}

// NewMessage canonically encodes data, signs it with key and derives the id.
func NewMessage(key KeyPair, data Data) (Message, error) {
	if data == nil {
		return Message{}, errors.New("data is required")
	}
	raw, err := CanonicalBytes(data)
	if err != nil {
		return Message{}, err
	}
	return NewMessageFromBytes(key, raw)
}

// NewMessageFromBytes signs already encoded payload bytes.
func NewMessageFromBytes(key KeyPair, raw []byte) (Message, error) {
	sig, err := key.Sign(raw)
	if err != nil {
		return Message{}, err
	}
	return Message{
		MessageID:         MessageID(raw, sig),
		Sender:            key.PublicKey(),
		Signature:         EncodeBase64(sig),
		Data:              EncodeBase64(raw),
		WitnessSignatures: []WitnessSignature{},
	}, nil
}

// ValidateBasic checks required envelope fields.
func (m Message) ValidateBasic() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return errors.New("message_id is required")
	}
	if strings.TrimSpace(m.Sender) == "" {
		return errors.New("sender is required")
	}
	if strings.TrimSpace(m.Signature) == "" {
		return errors.New("signature is required")
	}
	if strings.TrimSpace(m.Data) == "" {
		return errors.New("data is required")
	}
	return nil
}

// DataBytes returns the decoded payload bytes.
func (m Message) DataBytes() ([]byte, error) {
	raw, err := DecodeBase64(m.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	return raw, nil
}

// Payload decodes the payload into its concrete kind.
func (m Message) Payload() (Data, error) {
	raw, err := m.DataBytes()
	if err != nil {
		return nil, err
	}
	return DecodeData(raw)
}

// Verify re-checks the sender signature and the message id. A witness
// payload additionally has its embedded signature checked against the
// referenced id. The sender must be in canonical key form since it is not
// covered by the id. Any failure yields false.
func (m Message) Verify() bool {
	if m.ValidateBasic() != nil {
		return false
	}
	raw, err := m.DataBytes()
	if err != nil {
		return false
	}
	sig, err := DecodeBase64(m.Signature)
	if err != nil {
		return false
	}
	pub, err := ParsePublicKey(m.Sender)
	if err != nil || EncodeBase64(pub) != m.Sender {
		return false
	}
	if !Verify(pub, raw, sig) {
		return false
	}
	if MessageID(raw, sig) != m.MessageID {
		return false
	}
	data, err := DecodeData(raw)
	if err != nil {
		return true
	}
	if ws, ok := data.(WitnessMessageSignature); ok {
		return VerifyMessageID(m.Sender, ws.MessageID, ws.Signature)
	}
	return true
}

// AddWitnessSignature verifies signature over the message id and adds it to
// the set under the canonical witness key. Re-adding a witness is a no-op
// and reports false.
func (m *Message) AddWitnessSignature(witness, signature string) (bool, error) {
	witness, err := CanonicalKey(witness)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !VerifyMessageID(witness, m.MessageID, signature) {
		return false, fmt.Errorf("%w: witness %s", ErrInvalidSignature, witness)
	}
	if m.HasWitness(witness) {
		return false, nil
	}
	m.WitnessSignatures = append(m.WitnessSignatures, WitnessSignature{Witness: witness, Signature: signature})
	return true, nil
}

// HasWitness reports whether witness already co-signed.
func (m Message) HasWitness(witness string) bool {
	for _, ws := range m.WitnessSignatures {
		if ws.Witness == witness {
			return true
		}
	}
	return false
}

// WitnessKeys returns the sorted keys of all co-signers.
func (m Message) WitnessKeys() []string {
	keys := make([]string, 0, len(m.WitnessSignatures))
	for _, ws := range m.WitnessSignatures {
		keys = append(keys, ws.Witness)
	}
	return SortedKeys(keys)
}

// Clone returns a copy that does not share the witness slice.
func (m Message) Clone() Message {
	out := m
	out.WitnessSignatures = append([]WitnessSignature{}, m.WitnessSignatures...)
	return out
}
