// Package ledger owns the seat-capacity invariant for a ride: it decides
// whether a reservation can be granted and keeps the ride's derived status
// consistent with its bookings. All mutation paths funnel through the same
// status re-derivation step, and every write goes to the store as a
// version-guarded conditional update so two passengers racing for the last
// seats cannot both win.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// ReasonCode identifies a business-rule rejection. Codes are stable API;
// messages are surfaced to callers verbatim.
type ReasonCode string

const (
	RideUnavailable      ReasonCode = "RideUnavailable"
	SelfBookingDenied    ReasonCode = "SelfBookingDenied"
	DuplicateBooking     ReasonCode = "DuplicateBooking"
	InsufficientCapacity ReasonCode = "InsufficientCapacity"
	RideDeparted         ReasonCode = "RideDeparted"
)

// Rejection is a business-rule refusal. It is terminal for the request:
// callers surface it and never retry automatically.
type Rejection struct {
	Code    ReasonCode
	Message string
}

func (r *Rejection) Error() string { return string(r.Code) + ": " + r.Message }

var (
	// ErrNotAuthorized marks operations restricted to the ride's driver
	// (or the booking's owner). Reported distinctly from not-found.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrBookingNotFound is returned when the caller has no active booking
	// on the ride.
	ErrBookingNotFound = errors.New("booking not found")
)

// Participants mirrors the ride's chat participant list. Best effort; the
// ledger does not fail a committed booking over a chat error.
type Participants interface {
	Join(ctx context.Context, rideID, userID string) error
	Leave(ctx context.Context, rideID, userID string) error
}

// Events receives ride lifecycle events, fire-and-forget.
type Events interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Payments places and settles holds on booking amounts, in minor units.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// Counters tracks per-user lifetime ride tallies.
type Counters interface {
	AddPassengerRide(ctx context.Context, userID string) error
	AddDriverRide(ctx context.Context, userID string) error
}

// Service is the booking ledger. Store is required; the collaborator
// fields are optional and skipped when nil, matching how the rest of the
// system wires optional infrastructure.
type Service struct {
	Store        storage.RideStore
	Participants Participants
	Events       Events
	Payments     Payments
	Counters     Counters

	// Now allows tests to pin evaluation time. Defaults to time.Now.
	Now func() time.Time

	// MaxRetries bounds version-conflict retries on commit paths.
	MaxRetries int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) retries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 3
}

// EvaluateEligibility runs the booking checks against a ride snapshot, in
// order, short-circuiting at the first failure. Nil means granted.
func EvaluateEligibility(r *models.Ride, userID string, seats int, now time.Time) *Rejection {
	if r.Status.Terminal() {
		return &Rejection{RideUnavailable, "ride is no longer available"}
	}
	if r.DriverID == userID {
		return &Rejection{SelfBookingDenied, "cannot book your own ride"}
	}
	for _, b := range r.Bookings {
		if b.PassengerID == userID && b.Blocking() {
			return &Rejection{DuplicateBooking, "already booked this ride"}
		}
	}
	if r.RemainingSeats() < seats {
		return &Rejection{InsufficientCapacity, fmt.Sprintf("only %d seats available", r.RemainingSeats())}
	}
	if !r.DepartureTime.After(now) {
		return &Rejection{RideDeparted, "ride has already departed"}
	}
	return nil
}

// CommitBooking re-evaluates eligibility against the freshest snapshot and
// appends a confirmed booking in one conditional write. A version conflict
// means another request mutated the ride between read and write; the whole
// evaluation is repeated so the loser of a last-seat race is rejected with
// InsufficientCapacity rather than overbooking.
func (s *Service) CommitBooking(ctx context.Context, rideID, passengerID string, seats int, pickup, dropoff *models.Location) (*models.Ride, error) {
	if seats < 1 {
		return nil, fmt.Errorf("seats must be >= 1")
	}
	var ride *models.Ride
	for attempt := 0; ; attempt++ {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if rej := EvaluateEligibility(r, passengerID, seats, s.now()); rej != nil {
			observability.BookingRejections.WithLabelValues(string(rej.Code)).Inc()
			return nil, rej
		}

		b := models.Booking{
			PassengerID: passengerID,
			SeatsBooked: seats,
			Status:      models.BookingConfirmed,
			TotalAmount: float64(seats) * r.PricePerSeat,
			Pickup:      r.Origin,
			Dropoff:     r.Destination,
			BookingTime: s.now(),
		}
		if pickup != nil {
			b.Pickup = *pickup
		}
		if dropoff != nil {
			b.Dropoff = *dropoff
		}

		if s.Payments != nil {
			ref, err := s.Payments.Hold(ctx, minorUnits(b.TotalAmount), r.Currency, passengerID)
			if err != nil {
				return nil, fmt.Errorf("payment hold: %w", err)
			}
			b.PaymentRef = ref
		}

		r.Bookings = append(r.Bookings, b)
		deriveStatus(r)

		err = s.Store.UpdateRide(ctx, r, r.Version)
		if err == nil {
			ride = r
			break
		}
		if s.Payments != nil && b.PaymentRef != "" {
			_ = s.Payments.Release(ctx, b.PaymentRef)
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < s.retries() {
			observability.BookingConflictRetries.Inc()
			continue
		}
		return nil, err
	}

	observability.BookingsTotal.Inc()
	if s.Participants != nil {
		_ = s.Participants.Join(ctx, ride.ID, passengerID)
	}
	if s.Counters != nil {
		_ = s.Counters.AddPassengerRide(ctx, passengerID)
	}
	s.publish(ctx, "booking_committed", ride, passengerID, seats)
	return ride, nil
}

// CancelBooking drops the caller's active booking from the ride's capacity.
// A ride that was full reopens to active; terminal statuses are sticky.
func (s *Service) CancelBooking(ctx context.Context, rideID, passengerID string) (*models.Ride, error) {
	var (
		ride    *models.Ride
		removed models.Booking
	)
	for attempt := 0; ; attempt++ {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		idx := -1
		for i, b := range r.Bookings {
			if b.PassengerID == passengerID && b.Status != models.BookingCancelled {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, ErrBookingNotFound
		}
		removed = r.Bookings[idx]
		r.Bookings = append(r.Bookings[:idx], r.Bookings[idx+1:]...)
		deriveStatus(r)

		err = s.Store.UpdateRide(ctx, r, r.Version)
		if err == nil {
			ride = r
			break
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < s.retries() {
			continue
		}
		return nil, err
	}

	if s.Payments != nil && removed.PaymentRef != "" {
		_ = s.Payments.Release(ctx, removed.PaymentRef)
	}
	if s.Participants != nil {
		_ = s.Participants.Leave(ctx, ride.ID, passengerID)
	}
	s.publish(ctx, "booking_cancelled", ride, passengerID, removed.SeatsBooked)
	return ride, nil
}

// CancelRide is driver-only and terminal. A ride with no bookings is
// deleted outright; otherwise it is marked cancelled and its bookings
// survive as historical record.
func (s *Service) CancelRide(ctx context.Context, rideID, callerID string) error {
	for attempt := 0; ; attempt++ {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if r.DriverID != callerID {
			return ErrNotAuthorized
		}
		if len(r.Bookings) == 0 {
			return s.Store.DeleteRide(ctx, rideID)
		}
		r.Status = models.RideCancelled
		err = s.Store.UpdateRide(ctx, r, r.Version)
		if err == nil {
			s.publish(ctx, "ride_cancelled", r, "", 0)
			return nil
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < s.retries() {
			continue
		}
		return err
	}
}

// CompleteRide is driver-only and terminal. Confirmed bookings become
// completed and their payment holds are captured.
func (s *Service) CompleteRide(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	var ride *models.Ride
	for attempt := 0; ; attempt++ {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.DriverID != callerID {
			return nil, ErrNotAuthorized
		}
		if r.Status == models.RideCancelled {
			return nil, fmt.Errorf("cannot complete a cancelled ride")
		}
		r.Status = models.RideCompleted
		for i := range r.Bookings {
			if r.Bookings[i].Status == models.BookingConfirmed {
				r.Bookings[i].Status = models.BookingCompleted
			}
		}
		err = s.Store.UpdateRide(ctx, r, r.Version)
		if err == nil {
			ride = r
			break
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < s.retries() {
			continue
		}
		return nil, err
	}

	if s.Payments != nil {
		for _, b := range ride.Bookings {
			if b.Status == models.BookingCompleted && b.PaymentRef != "" {
				_ = s.Payments.Capture(ctx, b.PaymentRef)
			}
		}
	}
	s.publish(ctx, "ride_completed", ride, "", 0)
	return ride, nil
}

// SetBookingStatus is the driver-side direct assignment. It skips the
// eligibility pipeline but still re-derives ride status, so confirming or
// cancelling a passenger keeps the full/active derivation consistent.
func (s *Service) SetBookingStatus(ctx context.Context, rideID, callerID, passengerID string, status models.BookingStatus) (*models.Ride, error) {
	switch status {
	case models.BookingPending, models.BookingConfirmed, models.BookingCancelled:
	default:
		return nil, fmt.Errorf("invalid booking status %q", status)
	}
	var ride *models.Ride
	for attempt := 0; ; attempt++ {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.DriverID != callerID {
			return nil, ErrNotAuthorized
		}
		_, idx := r.BookingFor(passengerID)
		if idx < 0 {
			return nil, ErrBookingNotFound
		}
		r.Bookings[idx].Status = status
		deriveStatus(r)

		err = s.Store.UpdateRide(ctx, r, r.Version)
		if err == nil {
			ride = r
			break
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < s.retries() {
			continue
		}
		return nil, err
	}
	if status == models.BookingCancelled && s.Participants != nil {
		_ = s.Participants.Leave(ctx, ride.ID, passengerID)
	}
	s.publish(ctx, "booking_status_set", ride, passengerID, 0)
	return ride, nil
}

// deriveStatus recomputes full/active from current bookings. Terminal
// statuses are never auto-reverted.
func deriveStatus(r *models.Ride) {
	if r.Status.Terminal() {
		return
	}
	if r.RemainingSeats() <= 0 {
		r.Status = models.RideFull
	} else {
		r.Status = models.RideActive
	}
}

func (s *Service) publish(ctx context.Context, kind string, r *models.Ride, passengerID string, seats int) {
	if s.Events == nil {
		return
	}
	_ = s.Events.Publish(ctx, models.RideEvent{
		Kind:        kind,
		RideID:      r.ID,
		DriverID:    r.DriverID,
		PassengerID: passengerID,
		Seats:       seats,
		Status:      r.Status,
		Origin:      r.Origin,
		At:          s.now(),
	})
}

func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
