package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"github.com/example/carpool/internal/models"
)

// ErrDuplicateUser is returned when the email or phone is already taken.
var ErrDuplicateUser = errors.New("user already exists with this email or phone")

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateRating(ctx context.Context, userID string, r models.Rating) error
	AddPassengerRide(ctx context.Context, userID string) error
	AddDriverRide(ctx context.Context, userID string) error
}

type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.User)}
}

func (m *MemoryUserStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.users {
		if strings.EqualFold(e.Email, u.Email) || e.Phone == u.Phone {
			return ErrDuplicateUser
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryUserStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryUserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryUserStore) UpdateRating(ctx context.Context, userID string, r models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Rating = r
	return nil
}

func (m *MemoryUserStore) AddPassengerRide(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RidesAsPax++
	return nil
}

func (m *MemoryUserStore) AddDriverRide(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RidesAsDriver++
	return nil
}

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore { return &PostgresUserStore{db: db} }

func (p *PostgresUserStore) CreateUser(ctx context.Context, u *models.User) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE lower(email) = lower($1) OR phone = $2)`,
		u.Email, u.Phone).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrDuplicateUser
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users(id, name, email, phone, password_hash, city,
			rating_average, rating_count, rides_as_driver, rides_as_passenger, active, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		u.ID, u.Name, u.Email, u.Phone, u.PasswordHash, u.City,
		u.Rating.Average, u.Rating.Count, u.RidesAsDriver, u.RidesAsPax, u.Active, u.CreatedAt)
	return err
}

func (p *PostgresUserStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, id))
}

func (p *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelect+` WHERE lower(email) = lower($1)`, email))
}

const userSelect = `
	SELECT id, name, email, phone, password_hash, city,
		rating_average, rating_count, rides_as_driver, rides_as_passenger, active, created_at
	FROM users`

func (p *PostgresUserStore) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.City,
		&u.Rating.Average, &u.Rating.Count, &u.RidesAsDriver, &u.RidesAsPax, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresUserStore) UpdateRating(ctx context.Context, userID string, r models.Rating) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET rating_average = $1, rating_count = $2 WHERE id = $3`,
		r.Average, r.Count, userID)
	return err
}

func (p *PostgresUserStore) AddPassengerRide(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET rides_as_passenger = rides_as_passenger + 1 WHERE id = $1`, userID)
	return err
}

func (p *PostgresUserStore) AddDriverRide(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET rides_as_driver = rides_as_driver + 1 WHERE id = $1`, userID)
	return err
}
