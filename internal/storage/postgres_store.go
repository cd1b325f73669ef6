package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

// PostgresRideStore persists rides and their bookings in Postgres. The
// conditional update relies on a version column: the UPDATE carries a
// WHERE version = $expected guard, so a concurrent writer makes the
// statement match zero rows instead of silently overwriting.
type PostgresRideStore struct {
	db *sql.DB
}

func NewPostgresRideStore(dsn string) (*PostgresRideStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresRideStore{db: db}, nil
}

// DB exposes the underlying handle so the user and review stores can share
// the connection pool.
func (p *PostgresRideStore) DB() *sql.DB { return p.db }

func (p *PostgresRideStore) CreateRide(ctx context.Context, r *models.Ride) error {
	r.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, driver_id,
			origin_address, origin_lat, origin_lon, origin_city,
			dest_address, dest_lat, dest_lon, dest_city,
			departure_time, arrival_time, seats_total, price_per_seat, currency,
			vehicle_make, vehicle_model, vehicle_color, vehicle_plate,
			notes, status, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.DriverID,
		r.Origin.Address, r.Origin.Coord.Lat, r.Origin.Coord.Lon, r.Origin.City,
		r.Destination.Address, r.Destination.Coord.Lat, r.Destination.Coord.Lon, r.Destination.City,
		r.DepartureTime, r.ArrivalTime, r.SeatsTotal, r.PricePerSeat, r.Currency,
		r.Vehicle.Make, r.Vehicle.Model, r.Vehicle.Color, r.Vehicle.PlateNumber,
		r.Notes, r.Status, r.Version, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresRideStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r := &models.Ride{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id,
			origin_address, origin_lat, origin_lon, origin_city,
			dest_address, dest_lat, dest_lon, dest_city,
			departure_time, arrival_time, seats_total, price_per_seat, currency,
			vehicle_make, vehicle_model, vehicle_color, vehicle_plate,
			notes, status, version, created_at, updated_at
		FROM rides WHERE id = $1`, id).Scan(
		&r.ID, &r.DriverID,
		&r.Origin.Address, &r.Origin.Coord.Lat, &r.Origin.Coord.Lon, &r.Origin.City,
		&r.Destination.Address, &r.Destination.Coord.Lat, &r.Destination.Coord.Lon, &r.Destination.City,
		&r.DepartureTime, &r.ArrivalTime, &r.SeatsTotal, &r.PricePerSeat, &r.Currency,
		&r.Vehicle.Make, &r.Vehicle.Model, &r.Vehicle.Color, &r.Vehicle.PlateNumber,
		&r.Notes, &r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Bookings, err = p.loadBookings(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresRideStore) loadBookings(ctx context.Context, rideID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT passenger_id, seats_booked, status, total_amount,
			pickup_address, pickup_lat, pickup_lon, pickup_city,
			dropoff_address, dropoff_lat, dropoff_lon, dropoff_city,
			booking_time, payment_ref
		FROM bookings WHERE ride_id = $1 ORDER BY booking_time, passenger_id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Booking{}
	for rows.Next() {
		var b models.Booking
		if err := rows.Scan(&b.PassengerID, &b.SeatsBooked, &b.Status, &b.TotalAmount,
			&b.Pickup.Address, &b.Pickup.Coord.Lat, &b.Pickup.Coord.Lon, &b.Pickup.City,
			&b.Dropoff.Address, &b.Dropoff.Coord.Lat, &b.Dropoff.Coord.Lon, &b.Dropoff.City,
			&b.BookingTime, &b.PaymentRef); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// updateRideStmt covers every driver-mutable ride field. Identity,
// origin/destination and seats_total are fixed at creation and stay out
// of the statement.
const updateRideStmt = `
	UPDATE rides SET price_per_seat=$1, notes=$2, status=$3,
		departure_time=$4, arrival_time=$5,
		vehicle_make=$6, vehicle_model=$7, vehicle_color=$8, vehicle_plate=$9,
		version = version + 1, updated_at = $10
	WHERE id = $11 AND version = $12`

// UpdateRide writes the whole ride document inside a transaction, guarded
// by the version column. Bookings are replaced wholesale; the guard on the
// parent row makes the replacement atomic with respect to other writers.
func (p *PostgresRideStore) UpdateRide(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, updateRideStmt,
		r.PricePerSeat, r.Notes, r.Status,
		r.DepartureTime, r.ArrivalTime,
		r.Vehicle.Make, r.Vehicle.Model, r.Vehicle.Color, r.Vehicle.PlateNumber,
		time.Now(), r.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bookings WHERE ride_id = $1`, r.ID); err != nil {
		return err
	}
	for _, b := range r.Bookings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bookings(ride_id, passenger_id, seats_booked, status, total_amount,
				pickup_address, pickup_lat, pickup_lon, pickup_city,
				dropoff_address, dropoff_lat, dropoff_lon, dropoff_city,
				booking_time, payment_ref)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			r.ID, b.PassengerID, b.SeatsBooked, b.Status, b.TotalAmount,
			b.Pickup.Address, b.Pickup.Coord.Lat, b.Pickup.Coord.Lon, b.Pickup.City,
			b.Dropoff.Address, b.Dropoff.Coord.Lat, b.Dropoff.Coord.Lon, b.Dropoff.City,
			b.BookingTime, b.PaymentRef); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Version = expectedVersion + 1
	return nil
}

func (p *PostgresRideStore) DeleteRide(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rides WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// searchWhere builds the WHERE clause for a ride search. Seat
// availability is derived from bookings, so the seats filter joins in a
// capacity subquery; keeping it here makes the count and the page agree,
// matching the in-memory store.
func searchWhere(f RideFilter) (string, []any) {
	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OnlyUpcoming {
		where = append(where, "status = 'active'", "departure_time > now()")
	}
	if f.ExcludeDriverID != "" {
		where = append(where, "driver_id <> "+arg(f.ExcludeDriverID))
	}
	if f.OriginCity != "" {
		where = append(where, "origin_city ILIKE "+arg("%"+f.OriginCity+"%"))
	}
	if f.DestinationCity != "" {
		where = append(where, "dest_city ILIKE "+arg("%"+f.DestinationCity+"%"))
	}
	if !f.DateFrom.IsZero() {
		where = append(where, "departure_time >= "+arg(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		where = append(where, "departure_time < "+arg(f.DateTo))
	}
	if f.MaxPrice > 0 {
		where = append(where, "price_per_seat <= "+arg(f.MaxPrice))
	}
	if f.MinSeatsFree > 0 {
		where = append(where, `seats_total - COALESCE((
			SELECT sum(b.seats_booked) FROM bookings b
			WHERE b.ride_id = rides.id AND b.status IN ('confirmed','completed')), 0) >= `+arg(f.MinSeatsFree))
	}
	return strings.Join(where, " AND "), args
}

func (p *PostgresRideStore) SearchRides(ctx context.Context, f RideFilter) ([]*models.Ride, int, error) {
	cond, args := searchWhere(f)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM rides WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT id FROM rides WHERE ` + cond + ` ORDER BY departure_time`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
		page := f.Page
		if page < 1 {
			page = 1
		}
		args = append(args, (page-1)*f.Limit)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rides, err := p.ridesByQuery(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return rides, total, nil
}

func (p *PostgresRideStore) RidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	return p.ridesByQuery(ctx, `SELECT id FROM rides WHERE driver_id = $1 ORDER BY departure_time DESC`, driverID)
}

func (p *PostgresRideStore) RidesByPassenger(ctx context.Context, passengerID string) ([]*models.Ride, error) {
	return p.ridesByQuery(ctx, `
		SELECT DISTINCT r.id FROM rides r
		JOIN bookings b ON b.ride_id = r.id
		WHERE b.passenger_id = $1`, passengerID)
}

func (p *PostgresRideStore) ridesByQuery(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetRide(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
