package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// ChatStore keeps per-ride message history. The relay itself is best
// effort; history is what survives a reconnect. Read marks drive unread
// counts per (ride, user).
type ChatStore interface {
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	History(ctx context.Context, rideID string, limit int) ([]*models.ChatMessage, error)
	MarkRead(ctx context.Context, rideID, userID string, at time.Time) error
	UnreadCount(ctx context.Context, rideID, userID string) (int, error)
}

type MemoryChatStore struct {
	mu    sync.RWMutex
	msgs  map[string][]*models.ChatMessage
	reads map[string]map[string]time.Time
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		msgs:  make(map[string][]*models.ChatMessage),
		reads: make(map[string]map[string]time.Time),
	}
}

func (m *MemoryChatStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.msgs[msg.RideID] = append(m.msgs[msg.RideID], &cp)
	return nil
}

func (m *MemoryChatStore) History(ctx context.Context, rideID string, limit int) ([]*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.msgs[rideID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*models.ChatMessage, len(all))
	for i, msg := range all {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryChatStore) MarkRead(ctx context.Context, rideID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reads[rideID] == nil {
		m.reads[rideID] = make(map[string]time.Time)
	}
	if at.After(m.reads[rideID][userID]) {
		m.reads[rideID][userID] = at
	}
	return nil
}

func (m *MemoryChatStore) UnreadCount(ctx context.Context, rideID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lastRead := m.reads[rideID][userID]
	n := 0
	for _, msg := range m.msgs[rideID] {
		if msg.SenderID != userID && msg.SentAt.After(lastRead) {
			n++
		}
	}
	return n, nil
}

type PostgresChatStore struct {
	db *sql.DB
}

func NewPostgresChatStore(db *sql.DB) *PostgresChatStore { return &PostgresChatStore{db: db} }

func (p *PostgresChatStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages(id, ride_id, sender_id, type, content, sent_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.RideID, msg.SenderID, msg.Type, msg.Content, msg.SentAt)
	return err
}

func (p *PostgresChatStore) History(ctx context.Context, rideID string, limit int) ([]*models.ChatMessage, error) {
	q := `SELECT id, ride_id, sender_id, type, content, sent_at
		FROM chat_messages WHERE ride_id = $1 ORDER BY sent_at DESC`
	args := []any{rideID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ChatMessage{}
	for rows.Next() {
		msg := &models.ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.RideID, &msg.SenderID, &msg.Type, &msg.Content, &msg.SentAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (p *PostgresChatStore) MarkRead(ctx context.Context, rideID, userID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_reads(ride_id, user_id, last_read_at) VALUES($1,$2,$3)
		ON CONFLICT (ride_id, user_id)
		DO UPDATE SET last_read_at = GREATEST(chat_reads.last_read_at, EXCLUDED.last_read_at)`,
		rideID, userID, at)
	return err
}

func (p *PostgresChatStore) UnreadCount(ctx context.Context, rideID, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM chat_messages m
		WHERE m.ride_id = $1 AND m.sender_id <> $2
		  AND m.sent_at > COALESCE(
			(SELECT last_read_at FROM chat_reads WHERE ride_id = $1 AND user_id = $2),
			'epoch'::timestamptz)`,
		rideID, userID).Scan(&n)
	return n, err
}
