package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/example/carpool/internal/models"
)

// ErrDuplicateReview is returned when the reviewer already reviewed this
// reviewee for this ride.
var ErrDuplicateReview = errors.New("already reviewed this user for this ride")

type ReviewStore interface {
	CreateReview(ctx context.Context, rv *models.Review) error
	ReviewsForUser(ctx context.Context, revieweeID string) ([]*models.Review, error)
}

type MemoryReviewStore struct {
	mu      sync.RWMutex
	reviews []*models.Review
}

func NewMemoryReviewStore() *MemoryReviewStore { return &MemoryReviewStore{} }

func (m *MemoryReviewStore) CreateReview(ctx context.Context, rv *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.reviews {
		if e.RideID == rv.RideID && e.ReviewerID == rv.ReviewerID && e.RevieweeID == rv.RevieweeID {
			return ErrDuplicateReview
		}
	}
	cp := *rv
	m.reviews = append(m.reviews, &cp)
	return nil
}

func (m *MemoryReviewStore) ReviewsForUser(ctx context.Context, revieweeID string) ([]*models.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Review{}
	for _, rv := range m.reviews {
		if rv.RevieweeID == revieweeID {
			cp := *rv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type PostgresReviewStore struct {
	db *sql.DB
}

func NewPostgresReviewStore(db *sql.DB) *PostgresReviewStore { return &PostgresReviewStore{db: db} }

func (p *PostgresReviewStore) CreateReview(ctx context.Context, rv *models.Review) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reviews WHERE ride_id=$1 AND reviewer_id=$2 AND reviewee_id=$3)`,
		rv.RideID, rv.ReviewerID, rv.RevieweeID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrDuplicateReview
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews(id, ride_id, reviewer_id, reviewee_id, rating, comment, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		rv.ID, rv.RideID, rv.ReviewerID, rv.RevieweeID, rv.Rating, rv.Comment, rv.CreatedAt)
	return err
}

func (p *PostgresReviewStore) ReviewsForUser(ctx context.Context, revieweeID string) ([]*models.Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ride_id, reviewer_id, reviewee_id, rating, comment, created_at
		FROM reviews WHERE reviewee_id = $1 ORDER BY created_at DESC`, revieweeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Review{}
	for rows.Next() {
		rv := &models.Review{}
		if err := rows.Scan(&rv.ID, &rv.RideID, &rv.ReviewerID, &rv.RevieweeID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}
