package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

// LaoRepository implements lao.Repository over a JSONB column.
type LaoRepository struct {
	db DB
}

func NewLaoRepository(db DB) *LaoRepository {
	return &LaoRepository{db: db}
}

func (r *LaoRepository) Get(ctx context.Context, id string) (*lao.Lao, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM laos WHERE lao_id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lao.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeLao(data)
}

func (r *LaoRepository) Put(ctx context.Context, l *lao.Lao) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO laos (lao_id, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (lao_id) DO UPDATE SET data=EXCLUDED.data, updated_at=now()
	`, l.ID, data)
	return err
}

func (r *LaoRepository) List(ctx context.Context) ([]*lao.Lao, error) {
	rows, err := r.db.Query(ctx, `SELECT data FROM laos ORDER BY lao_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*lao.Lao
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		l, err := decodeLao(data)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *LaoRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM laos WHERE lao_id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lao.ErrNotFound
	}
	return nil
}

func decodeLao(data []byte) (*lao.Lao, error) {
	var l lao.Lao
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode lao: %w", err)
	}
	l.Normalize()
	return &l, nil
}

// MessageRepository implements lao.MessageRepository.
type MessageRepository struct {
	db DB
}

func NewMessageRepository(db DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) GetMessage(ctx context.Context, laoID, messageID string) (*protocol.Message, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT envelope FROM lao_messages WHERE lao_id=$1 AND message_id=$2`, laoID, messageID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lao.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return &msg, nil
}

func (r *MessageRepository) PutMessage(ctx context.Context, laoID string, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO lao_messages (lao_id, message_id, envelope) VALUES ($1, $2, $3)
		ON CONFLICT (lao_id, message_id) DO UPDATE SET envelope=EXCLUDED.envelope
	`, laoID, msg.MessageID, data)
	return err
}

func (r *MessageRepository) DeleteMessages(ctx context.Context, laoID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM lao_messages WHERE lao_id=$1`, laoID)
	return err
}

// InstanceRepository implements consensus.Repository.
type InstanceRepository struct {
	db DB
}

func NewInstanceRepository(db DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

func (r *InstanceRepository) Get(ctx context.Context, laoID, electID string) (*consensus.ElectInstance, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM elect_instances WHERE lao_id=$1 AND elect_id=$2`, laoID, electID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consensus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(data)
}

func (r *InstanceRepository) Put(ctx context.Context, e *consensus.ElectInstance) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO elect_instances (lao_id, elect_id, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (lao_id, elect_id) DO UPDATE SET data=EXCLUDED.data
	`, e.LaoID, e.MessageID, e.CreatedAt, data)
	return err
}

func (r *InstanceRepository) ListByLao(ctx context.Context, laoID string) ([]*consensus.ElectInstance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT data FROM elect_instances WHERE lao_id=$1 ORDER BY created_at, elect_id
	`, laoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*consensus.ElectInstance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *InstanceRepository) DeleteByLao(ctx context.Context, laoID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM elect_instances WHERE lao_id=$1`, laoID)
	return err
}

func decodeInstance(data []byte) (*consensus.ElectInstance, error) {
	var e consensus.ElectInstance
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode elect instance: %w", err)
	}
	e.Normalize()
	return &e, nil
}
