package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by conditional ride updates when the
	// stored version no longer matches the caller's snapshot. Callers are
	// expected to reload and re-evaluate.
	ErrVersionConflict = errors.New("ride version conflict")
)

// RideFilter narrows ride searches. Zero values mean "no constraint".
type RideFilter struct {
	OriginCity      string
	DestinationCity string
	DateFrom        time.Time
	DateTo          time.Time
	MinSeatsFree    int
	MaxPrice        float64
	ExcludeDriverID string
	OnlyUpcoming    bool
	Page            int
	Limit           int
}

// RideStore defines persistence operations for rides and their bookings.
// UpdateRide is conditional: it succeeds only if the stored version equals
// expectedVersion, and bumps the version on success. This is the atomic
// guard the booking ledger relies on to keep seat accounting consistent
// under concurrent mutation.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride, expectedVersion int64) error
	DeleteRide(ctx context.Context, id string) error
	SearchRides(ctx context.Context, f RideFilter) ([]*models.Ride, int, error)
	RidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	RidesByPassenger(ctx context.Context, passengerID string) ([]*models.Ride, error)
}

type MemoryRideStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewMemoryRideStore() *MemoryRideStore {
	return &MemoryRideStore{rides: make(map[string]*models.Ride), now: time.Now}
}

func (m *MemoryRideStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Version = 1
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryRideStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

// UpdateRide applies the compare-and-swap: the write is accepted only when
// the caller saw the current version.
func (m *MemoryRideStore) UpdateRide(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := cloneRide(r)
	next.Version = expectedVersion + 1
	next.UpdatedAt = m.now()
	m.rides[r.ID] = next
	r.Version = next.Version
	r.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryRideStore) DeleteRide(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[id]; !ok {
		return ErrNotFound
	}
	delete(m.rides, id)
	return nil
}

func (m *MemoryRideStore) SearchRides(ctx context.Context, f RideFilter) ([]*models.Ride, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if !matchRide(r, f, m.now()) {
			continue
		}
		out = append(out, cloneRide(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	total := len(out)
	out = paginate(out, f.Page, f.Limit)
	return out, total, nil
}

func (m *MemoryRideStore) RidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.DriverID == driverID {
			out = append(out, cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.After(out[j].DepartureTime) })
	return out, nil
}

func (m *MemoryRideStore) RidesByPassenger(ctx context.Context, passengerID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if _, i := r.BookingFor(passengerID); i >= 0 {
			out = append(out, cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.After(out[j].DepartureTime) })
	return out, nil
}

func matchRide(r *models.Ride, f RideFilter, now time.Time) bool {
	if f.OnlyUpcoming && (r.Status != models.RideActive || !r.DepartureTime.After(now)) {
		return false
	}
	if f.ExcludeDriverID != "" && r.DriverID == f.ExcludeDriverID {
		return false
	}
	if f.OriginCity != "" && !strings.Contains(strings.ToLower(r.Origin.City), strings.ToLower(f.OriginCity)) {
		return false
	}
	if f.DestinationCity != "" && !strings.Contains(strings.ToLower(r.Destination.City), strings.ToLower(f.DestinationCity)) {
		return false
	}
	if !f.DateFrom.IsZero() && r.DepartureTime.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && !r.DepartureTime.Before(f.DateTo) {
		return false
	}
	if f.MinSeatsFree > 0 && r.RemainingSeats() < f.MinSeatsFree {
		return false
	}
	if f.MaxPrice > 0 && r.PricePerSeat > f.MaxPrice {
		return false
	}
	return true
}

func paginate(rides []*models.Ride, page, limit int) []*models.Ride {
	if limit <= 0 {
		return rides
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(rides) {
		return nil
	}
	end := start + limit
	if end > len(rides) {
		end = len(rides)
	}
	return rides[start:end]
}

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.Bookings = make([]models.Booking, len(r.Bookings))
	copy(cp.Bookings, r.Bookings)
	return &cp
}
