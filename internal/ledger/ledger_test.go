package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newRide(seats int, price float64) *models.Ride {
	return &models.Ride{
		ID:            "ride1",
		DriverID:      "driver1",
		Origin:        models.Location{Address: "1 Main St", City: "Pune"},
		Destination:   models.Location{Address: "9 High St", City: "Mumbai"},
		DepartureTime: testNow.Add(24 * time.Hour),
		SeatsTotal:    seats,
		PricePerSeat:  price,
		Currency:      "INR",
		Status:        models.RideActive,
	}
}

func newService(t *testing.T, r *models.Ride) (*Service, *storage.MemoryRideStore) {
	t.Helper()
	store := storage.NewMemoryRideStore()
	if err := store.CreateRide(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return &Service{Store: store, Now: func() time.Time { return testNow }}, store
}

func rejectionCode(t *testing.T, err error) ReasonCode {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	return rej.Code
}

func TestCancelledRideCannotBeBooked(t *testing.T) {
	r := newRide(3, 10)
	s, store := newService(t, r)
	if _, err := s.CommitBooking(context.Background(), "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelRide(context.Background(), "ride1", "driver1"); err != nil {
		t.Fatal(err)
	}
	_, err := s.CommitBooking(context.Background(), "ride1", "p2", 1, nil, nil)
	if code := rejectionCode(t, err); code != RideUnavailable {
		t.Fatalf("expected RideUnavailable, got %s", code)
	}
	got, err := store.GetRide(context.Background(), "ride1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RideCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestSelfBookingDenied(t *testing.T) {
	s, _ := newService(t, newRide(3, 10))
	_, err := s.CommitBooking(context.Background(), "ride1", "driver1", 1, nil, nil)
	if code := rejectionCode(t, err); code != SelfBookingDenied {
		t.Fatalf("expected SelfBookingDenied, got %s", code)
	}
}

func TestDuplicateBookingDenied(t *testing.T) {
	s, _ := newService(t, newRide(3, 10))
	if _, err := s.CommitBooking(context.Background(), "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.CommitBooking(context.Background(), "ride1", "p1", 1, nil, nil)
	if code := rejectionCode(t, err); code != DuplicateBooking {
		t.Fatalf("expected DuplicateBooking, got %s", code)
	}
}

func TestInsufficientCapacity(t *testing.T) {
	s, _ := newService(t, newRide(2, 10))
	if _, err := s.CommitBooking(context.Background(), "ride1", "p1", 2, nil, nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.CommitBooking(context.Background(), "ride1", "p2", 1, nil, nil)
	if code := rejectionCode(t, err); code != InsufficientCapacity {
		t.Fatalf("expected InsufficientCapacity, got %s", code)
	}
}

func TestRideDepartedRejectedEvenWithSeats(t *testing.T) {
	r := newRide(3, 10)
	r.DepartureTime = testNow.Add(-time.Hour)
	s, _ := newService(t, r)
	_, err := s.CommitBooking(context.Background(), "ride1", "p1", 1, nil, nil)
	if code := rejectionCode(t, err); code != RideDeparted {
		t.Fatalf("expected RideDeparted, got %s", code)
	}
}

func TestCheckOrderShortCircuits(t *testing.T) {
	// A departed, full ride booked by its own driver fails on the driver
	// check first.
	r := newRide(1, 10)
	r.DepartureTime = testNow.Add(-time.Hour)
	r.Bookings = []models.Booking{{PassengerID: "p1", SeatsBooked: 1, Status: models.BookingConfirmed}}
	if rej := EvaluateEligibility(r, "driver1", 1, testNow); rej == nil || rej.Code != SelfBookingDenied {
		t.Fatalf("expected SelfBookingDenied, got %v", rej)
	}
	if rej := EvaluateEligibility(r, "p1", 1, testNow); rej == nil || rej.Code != DuplicateBooking {
		t.Fatalf("expected DuplicateBooking, got %v", rej)
	}
	if rej := EvaluateEligibility(r, "p2", 1, testNow); rej == nil || rej.Code != InsufficientCapacity {
		t.Fatalf("expected InsufficientCapacity, got %v", rej)
	}
}

func TestTotalAmountFrozenAtBookingTime(t *testing.T) {
	s, store := newService(t, newRide(3, 15.50))
	ride, err := s.CommitBooking(context.Background(), "ride1", "p1", 2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := ride.Bookings[0].TotalAmount; got != 31.00 {
		t.Fatalf("expected total 31.00, got %v", got)
	}

	// Driver later edits the price; the recorded amount must not move.
	cur, _ := store.GetRide(context.Background(), "ride1")
	cur.PricePerSeat = 99
	if err := store.UpdateRide(context.Background(), cur, cur.Version); err != nil {
		t.Fatal(err)
	}
	cur, _ = store.GetRide(context.Background(), "ride1")
	if got := cur.Bookings[0].TotalAmount; got != 31.00 {
		t.Fatalf("amount recomputed after price edit: %v", got)
	}
}

func TestScenarioBookBookCancel(t *testing.T) {
	s, _ := newService(t, newRide(3, 15.50))
	ctx := context.Background()

	ride, err := s.CommitBooking(ctx, "ride1", "p1", 2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ride.RemainingSeats() != 1 || ride.Status != models.RideActive {
		t.Fatalf("after first booking: remaining=%d status=%s", ride.RemainingSeats(), ride.Status)
	}

	ride, err = s.CommitBooking(ctx, "ride1", "p2", 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ride.RemainingSeats() != 0 || ride.Status != models.RideFull {
		t.Fatalf("after second booking: remaining=%d status=%s", ride.RemainingSeats(), ride.Status)
	}

	ride, err = s.CancelBooking(ctx, "ride1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if ride.RemainingSeats() != 2 || ride.Status != models.RideActive {
		t.Fatalf("after cancellation: remaining=%d status=%s", ride.RemainingSeats(), ride.Status)
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	s, store := newService(t, newRide(2, 10))
	ctx := context.Background()
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 2, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelRide(ctx, "ride1", "driver1"); err != nil {
		t.Fatal(err)
	}

	// Cancelling the booking reopens capacity but must not resurrect the
	// ride.
	ride, err := s.CancelBooking(ctx, "ride1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.RideCancelled {
		t.Fatalf("terminal status overridden: %s", ride.Status)
	}

	cur, _ := store.GetRide(ctx, "ride1")
	if cur.Status != models.RideCancelled {
		t.Fatalf("stored status overridden: %s", cur.Status)
	}
}

func TestCancelRideWithoutBookingsDeletes(t *testing.T) {
	s, store := newService(t, newRide(2, 10))
	ctx := context.Background()
	if err := s.CancelRide(ctx, "ride1", "driver1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRide(ctx, "ride1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected deletion, got %v", err)
	}
}

func TestCancelRideRequiresDriver(t *testing.T) {
	s, _ := newService(t, newRide(2, 10))
	if err := s.CancelRide(context.Background(), "ride1", "p1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestCancelBookingNotFound(t *testing.T) {
	s, _ := newService(t, newRide(2, 10))
	if _, err := s.CancelBooking(context.Background(), "ride1", "p1"); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("expected ErrBookingNotFound, got %v", err)
	}
}

func TestCompleteRideMarksBookingsCompleted(t *testing.T) {
	s, _ := newService(t, newRide(3, 10))
	ctx := context.Background()
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	ride, err := s.CompleteRide(ctx, "ride1", "driver1")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.RideCompleted {
		t.Fatalf("expected completed, got %s", ride.Status)
	}
	if ride.Bookings[0].Status != models.BookingCompleted {
		t.Fatalf("expected booking completed, got %s", ride.Bookings[0].Status)
	}
	// Completed bookings still count against capacity.
	if ride.BookedSeats() != 1 {
		t.Fatalf("expected 1 booked seat, got %d", ride.BookedSeats())
	}
}

func TestSetBookingStatusRederivesRideStatus(t *testing.T) {
	s, _ := newService(t, newRide(1, 10))
	ctx := context.Background()
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}

	ride, err := s.SetBookingStatus(ctx, "ride1", "driver1", "p1", models.BookingCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.RideActive {
		t.Fatalf("ride status not re-derived after driver cancel: %s", ride.Status)
	}

	ride, err = s.SetBookingStatus(ctx, "ride1", "driver1", "p1", models.BookingConfirmed)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.RideFull {
		t.Fatalf("ride status not re-derived after confirm: %s", ride.Status)
	}
}

func TestSetBookingStatusDriverOnly(t *testing.T) {
	s, _ := newService(t, newRide(2, 10))
	ctx := context.Background()
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetBookingStatus(ctx, "ride1", "p2", "p1", models.BookingCancelled); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := s.SetBookingStatus(ctx, "ride1", "driver1", "p1", models.BookingCompleted); err == nil {
		t.Fatal("completed must not be assignable directly")
	}
}

func TestDriverCancelledPassengerCanRebook(t *testing.T) {
	s, _ := newService(t, newRide(2, 10))
	ctx := context.Background()
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetBookingStatus(ctx, "ride1", "driver1", "p1", models.BookingCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatalf("cancelled booking must not block rebooking: %v", err)
	}
}

func TestSetBookingStatusCancelledLeavesChatRoom(t *testing.T) {
	s, _ := newService(t, newRide(2, 10))
	parts := &fakeParticipants{}
	s.Participants = parts
	ctx := context.Background()
	if _, err := s.CommitBooking(ctx, "ride1", "p1", 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetBookingStatus(ctx, "ride1", "driver1", "p1", models.BookingConfirmed); err != nil {
		t.Fatal(err)
	}
	if len(parts.left) != 0 {
		t.Fatalf("confirming must not evict, got %v", parts.left)
	}
	if _, err := s.SetBookingStatus(ctx, "ride1", "driver1", "p1", models.BookingCancelled); err != nil {
		t.Fatal(err)
	}
	if len(parts.left) != 1 || parts.left[0] != "p1" {
		t.Fatalf("expected chat leave for p1, got %v", parts.left)
	}
}

func TestPickupDropoffDefaults(t *testing.T) {
	s, _ := newService(t, newRide(3, 10))
	pickup := models.Location{Address: "Custom corner", City: "Pune"}
	ride, err := s.CommitBooking(context.Background(), "ride1", "p1", 1, &pickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := ride.Bookings[0]
	if b.Pickup.Address != "Custom corner" {
		t.Fatalf("pickup override lost: %+v", b.Pickup)
	}
	if b.Dropoff.Address != "9 High St" {
		t.Fatalf("dropoff should default to ride destination: %+v", b.Dropoff)
	}
}

// Two concurrent requests race for the last seat: exactly one wins, the
// other is rejected with InsufficientCapacity, and the capacity bound
// holds.
func TestConcurrentLastSeat(t *testing.T) {
	s, store := newService(t, newRide(1, 10))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			_, errs[i] = s.CommitBooking(ctx, "ride1", p, 1, nil, nil)
		}(i, p)
	}
	wg.Wait()

	var wins, capRejects int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if rejectionCode(t, err) == InsufficientCapacity {
			capRejects++
		}
	}
	if wins != 1 || capRejects != 1 {
		t.Fatalf("expected one winner and one capacity rejection, got wins=%d rejects=%d (%v)", wins, capRejects, errs)
	}

	ride, _ := store.GetRide(ctx, "ride1")
	if ride.BookedSeats() > ride.SeatsTotal {
		t.Fatalf("capacity bound violated: booked=%d total=%d", ride.BookedSeats(), ride.SeatsTotal)
	}
	if ride.Status != models.RideFull {
		t.Fatalf("expected full, got %s", ride.Status)
	}
}

// Hammer the store with overlapping bookings and cancellations and check
// the invariant bookedSeats <= seatsTotal is never violated.
func TestConcurrentBookingsNeverOverbook(t *testing.T) {
	s, store := newService(t, newRide(5, 10))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := string(rune('a' + i))
			if _, err := s.CommitBooking(ctx, "ride1", p, 2, nil, nil); err == nil && i%2 == 0 {
				_, _ = s.CancelBooking(ctx, "ride1", p)
			}
		}(i)
	}
	wg.Wait()

	ride, _ := store.GetRide(ctx, "ride1")
	if ride.BookedSeats() > ride.SeatsTotal {
		t.Fatalf("capacity bound violated: booked=%d total=%d", ride.BookedSeats(), ride.SeatsTotal)
	}
}

type fakeParticipants struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (f *fakeParticipants) Join(ctx context.Context, rideID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, userID)
	return nil
}

func (f *fakeParticipants) Leave(ctx context.Context, rideID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, userID)
	return nil
}

type fakePayments struct {
	holds    map[string]int64
	released []string
	captured []string
	n        int
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	if f.holds == nil {
		f.holds = map[string]int64{}
	}
	f.n++
	ref := "hold" + string(rune('0'+f.n))
	f.holds[ref] = amount
	return ref, nil
}

func (f *fakePayments) Capture(ctx context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakePayments) Release(ctx context.Context, ref string) error {
	f.released = append(f.released, ref)
	return nil
}

func TestSideEffectsOnBookAndCancel(t *testing.T) {
	s, _ := newService(t, newRide(3, 15.50))
	parts := &fakeParticipants{}
	pay := &fakePayments{}
	s.Participants = parts
	s.Payments = pay
	ctx := context.Background()

	ride, err := s.CommitBooking(ctx, "ride1", "p1", 2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts.joined) != 1 || parts.joined[0] != "p1" {
		t.Fatalf("expected chat join for p1, got %v", parts.joined)
	}
	ref := ride.Bookings[0].PaymentRef
	if pay.holds[ref] != 3100 {
		t.Fatalf("expected 3100 minor units held, got %v", pay.holds)
	}

	if _, err := s.CancelBooking(ctx, "ride1", "p1"); err != nil {
		t.Fatal(err)
	}
	if len(parts.left) != 1 || parts.left[0] != "p1" {
		t.Fatalf("expected chat leave for p1, got %v", parts.left)
	}
	if len(pay.released) != 1 || pay.released[0] != ref {
		t.Fatalf("expected hold released, got %v", pay.released)
	}
}
