package lao

import "sort"

// WitnessMessage describes a message that witnesses are asked to co-sign.
type WitnessMessage struct {
	MessageID   string   `json:"message_id" msgpack:"message_id"`
	Title       string   `json:"title" msgpack:"title"`
	Description string   `json:"description" msgpack:"description"`
	Witnesses   []string `json:"witnesses" msgpack:"witnesses"`
}

func NewWitnessMessage(messageID, title, description string) *WitnessMessage {
	return &WitnessMessage{
		MessageID:   messageID,
		Title:       title,
		Description: description,
		Witnesses:   []string{},
	}
}

// AddWitness records a signer. It reports false when already present.
func (w *WitnessMessage) AddWitness(key string) bool {
	i := sort.SearchStrings(w.Witnesses, key)
	if i < len(w.Witnesses) && w.Witnesses[i] == key {
		return false
	}
	w.Witnesses = append(w.Witnesses, "")
	copy(w.Witnesses[i+1:], w.Witnesses[i:])
	w.Witnesses[i] = key
	return true
}

func (w *WitnessMessage) Clone() *WitnessMessage {
	if w == nil {
		return nil
	}
	out := *w
	out.Witnesses = append([]string{}, w.Witnesses...)
	return &out
}
