package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

type messageKey struct {
	laoID     string
	messageID string
}

// Store keeps Laos, envelopes and elect instances in process memory. Values
// are copied in and out, so callers never share state with the store.
type Store struct {
	mu        sync.RWMutex
	laos      map[string]*lao.Lao
	messages  map[messageKey]protocol.Message
	instances map[string]map[string]*consensus.ElectInstance
}

func NewStore() *Store {
	return &Store{
		laos:      map[string]*lao.Lao{},
		messages:  map[messageKey]protocol.Message{},
		instances: map[string]map[string]*consensus.ElectInstance{},
	}
}

// Laos exposes the store as a lao.Repository.
func (s *Store) Laos() lao.Repository { return laoRepo{s} }

// Messages exposes the store as a lao.MessageRepository.
func (s *Store) Messages() lao.MessageRepository { return messageRepo{s} }

// Instances exposes the store as a consensus.Repository.
func (s *Store) Instances() consensus.Repository { return instanceRepo{s} }

type laoRepo struct{ s *Store }

func (r laoRepo) Get(_ context.Context, id string) (*lao.Lao, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.laos[id]
	if !ok {
		return nil, lao.ErrNotFound
	}
	return l.Clone(), nil
}

func (r laoRepo) Put(_ context.Context, l *lao.Lao) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.laos[l.ID] = l.Clone()
	return nil
}

func (r laoRepo) List(_ context.Context) ([]*lao.Lao, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*lao.Lao, 0, len(r.s.laos))
	for _, l := range r.s.laos {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r laoRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.laos[id]; !ok {
		return lao.ErrNotFound
	}
	delete(r.s.laos, id)
	return nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) GetMessage(_ context.Context, laoID, messageID string) (*protocol.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[messageKey{laoID, messageID}]
	if !ok {
		return nil, lao.ErrMessageNotFound
	}
	out := m.Clone()
	return &out, nil
}

func (r messageRepo) PutMessage(_ context.Context, laoID string, msg protocol.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.messages[messageKey{laoID, msg.MessageID}] = msg.Clone()
	return nil
}

func (r messageRepo) DeleteMessages(_ context.Context, laoID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k := range r.s.messages {
		if k.laoID == laoID {
			delete(r.s.messages, k)
		}
	}
	return nil
}

type instanceRepo struct{ s *Store }

func (r instanceRepo) Get(_ context.Context, laoID, electID string) (*consensus.ElectInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.instances[laoID][electID]
	if !ok {
		return nil, consensus.ErrNotFound
	}
	return e.Clone(), nil
}

func (r instanceRepo) Put(_ context.Context, e *consensus.ElectInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byLao, ok := r.s.instances[e.LaoID]
	if !ok {
		byLao = map[string]*consensus.ElectInstance{}
		r.s.instances[e.LaoID] = byLao
	}
	byLao[e.MessageID] = e.Clone()
	return nil
}

func (r instanceRepo) ListByLao(_ context.Context, laoID string) ([]*consensus.ElectInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*consensus.ElectInstance, 0, len(r.s.instances[laoID]))
	for _, e := range r.s.instances[laoID] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (r instanceRepo) DeleteByLao(_ context.Context, laoID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.instances, laoID)
	return nil
}
