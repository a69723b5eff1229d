package lao

import (
	"errors"
	"sort"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

var (
	ErrNotFound        = errors.New("lao not found")
	ErrMessageNotFound = errors.New("message not found")
)

// PendingUpdate is an Update waiting for witness co-signatures.
// CommitRequested is set once its State commit has been asked for.
type PendingUpdate struct {
	ModificationTime int64  `json:"modification_time" msgpack:"modification_time"`
	MessageID        string `json:"message_id" msgpack:"message_id"`
	CommitRequested  bool   `json:"commit_requested,omitempty" msgpack:"commit_requested"`
}

// ServerInfo is what a greeting told us about the backing server.
type ServerInfo struct {
	PublicKey string   `json:"public_key" msgpack:"public_key"`
	Address   string   `json:"address" msgpack:"address"`
	Peers     []string `json:"peers,omitempty" msgpack:"peers"`
}

// Lao is the local projection of one organization.
type Lao struct {
	ID              string                     `json:"id" msgpack:"id"`
	Name            string                     `json:"name" msgpack:"name"`
	Creation        int64                      `json:"creation" msgpack:"creation"`
	LastModified    int64                      `json:"last_modified" msgpack:"last_modified"`
	Organizer       string                     `json:"organizer" msgpack:"organizer"`
	Witnesses       []string                   `json:"witnesses" msgpack:"witnesses"`
	ModificationID  string                     `json:"modification_id" msgpack:"modification_id"`
	PendingUpdates  []PendingUpdate            `json:"pending_updates" msgpack:"pending_updates"`
	WitnessMessages map[string]*WitnessMessage `json:"witness_messages" msgpack:"witness_messages"`
	Server          *ServerInfo                `json:"server,omitempty" msgpack:"server"`
}

// New builds the projection produced by a Create payload.
func New(c protocol.CreateLao) *Lao {
	return &Lao{
		ID:              c.ID,
		Name:            c.Name,
		Creation:        c.Creation,
		LastModified:    c.Creation,
		Organizer:       c.Organizer,
		Witnesses:       protocol.SortedKeys(c.Witnesses),
		PendingUpdates:  []PendingUpdate{},
		WitnessMessages: map[string]*WitnessMessage{},
	}
}

func (l *Lao) IsOrganizer(key string) bool {
	return key != "" && key == l.Organizer
}

func (l *Lao) IsWitness(key string) bool {
	i := sort.SearchStrings(l.Witnesses, key)
	return i < len(l.Witnesses) && l.Witnesses[i] == key
}

// EligibleNodes returns witnesses plus organizer, sorted.
func (l *Lao) EligibleNodes() []string {
	return protocol.SortedKeys(append(append([]string{}, l.Witnesses...), l.Organizer))
}

// PendingUpdateFor returns the pending update registered for messageID.
func (l *Lao) PendingUpdateFor(messageID string) (PendingUpdate, bool) {
	for _, p := range l.PendingUpdates {
		if p.MessageID == messageID {
			return p, true
		}
	}
	return PendingUpdate{}, false
}

// AddPendingUpdate registers p unless the same message is already pending.
func (l *Lao) AddPendingUpdate(p PendingUpdate) bool {
	if _, ok := l.PendingUpdateFor(p.MessageID); ok {
		return false
	}
	l.PendingUpdates = append(l.PendingUpdates, p)
	sort.SliceStable(l.PendingUpdates, func(i, j int) bool {
		return l.PendingUpdates[i].ModificationTime < l.PendingUpdates[j].ModificationTime
	})
	return true
}

// MarkCommitRequested flags the pending update of messageID. It reports
// false when there is none or it was already flagged.
func (l *Lao) MarkCommitRequested(messageID string) bool {
	for i := range l.PendingUpdates {
		if l.PendingUpdates[i].MessageID == messageID {
			if l.PendingUpdates[i].CommitRequested {
				return false
			}
			l.PendingUpdates[i].CommitRequested = true
			return true
		}
	}
	return false
}

// PrunePendingUpdates drops every pending update not newer than upTo.
func (l *Lao) PrunePendingUpdates(upTo int64) int {
	kept := l.PendingUpdates[:0]
	removed := 0
	for _, p := range l.PendingUpdates {
		if p.ModificationTime <= upTo {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	l.PendingUpdates = kept
	return removed
}

// Clone returns a deep copy safe to hand to observers.
func (l *Lao) Clone() *Lao {
	if l == nil {
		return nil
	}
	out := *l
	out.Witnesses = append([]string{}, l.Witnesses...)
	out.PendingUpdates = append([]PendingUpdate{}, l.PendingUpdates...)
	out.WitnessMessages = make(map[string]*WitnessMessage, len(l.WitnessMessages))
	for k, v := range l.WitnessMessages {
		out.WitnessMessages[k] = v.Clone()
	}
	if l.Server != nil {
		srv := *l.Server
		srv.Peers = append([]string(nil), l.Server.Peers...)
		out.Server = &srv
	}
	return &out
}

// Normalize fills nil collections, e.g. after decoding a stored record.
func (l *Lao) Normalize() {
	if l.Witnesses == nil {
		l.Witnesses = []string{}
	}
	if l.PendingUpdates == nil {
		l.PendingUpdates = []PendingUpdate{}
	}
	if l.WitnessMessages == nil {
		l.WitnessMessages = map[string]*WitnessMessage{}
	}
	for _, wm := range l.WitnessMessages {
		if wm.Witnesses == nil {
			wm.Witnesses = []string{}
		}
	}
}

// SameWitnesses reports whether a and b hold the same keys.
func SameWitnesses(a, b []string) bool {
	a, b = protocol.SortedKeys(a), protocol.SortedKeys(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
