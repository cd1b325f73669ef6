package models

import "time"

type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideFull      RideStatus = "full"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Terminal reports whether the status may never be overridden by
// automatic full/active derivation.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a named stop: a street address plus its coordinate and city.
type Location struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
	City    string `json:"city"`
}

type Booking struct {
	PassengerID string        `json:"passenger_id"`
	SeatsBooked int           `json:"seats_booked"`
	Status      BookingStatus `json:"status"`
	TotalAmount float64       `json:"total_amount"` // frozen at booking time
	Pickup      Location      `json:"pickup"`
	Dropoff     Location      `json:"dropoff"`
	BookingTime time.Time     `json:"booking_time"`
	PaymentRef  string        `json:"payment_ref,omitempty"`
}

// CountsAgainstCapacity reports whether the booking consumes seats.
func (b Booking) CountsAgainstCapacity() bool {
	return b.Status == BookingConfirmed || b.Status == BookingCompleted
}

// Blocking reports whether the booking prevents the same passenger from
// booking again on the ride.
func (b Booking) Blocking() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed
}

type VehicleInfo struct {
	Make        string `json:"make"`
	Model       string `json:"model"`
	Color       string `json:"color"`
	PlateNumber string `json:"plate_number"`
}

type Ride struct {
	ID            string      `json:"id"`
	DriverID      string      `json:"driver_id"`
	Origin        Location    `json:"origin"`
	Destination   Location    `json:"destination"`
	DepartureTime time.Time   `json:"departure_time"`
	ArrivalTime   time.Time   `json:"estimated_arrival_time,omitempty"`
	SeatsTotal    int         `json:"seats_total"` // 1..7, immutable after creation
	PricePerSeat  float64     `json:"price_per_seat"`
	Currency      string      `json:"currency"`
	Vehicle       VehicleInfo `json:"vehicle"`
	Notes         string      `json:"notes,omitempty"`
	Status        RideStatus  `json:"status"`
	Bookings      []Booking   `json:"bookings"`
	Version       int64       `json:"-"` // optimistic concurrency token
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// BookedSeats sums seats over bookings that consume capacity.
func (r *Ride) BookedSeats() int {
	total := 0
	for _, b := range r.Bookings {
		if b.CountsAgainstCapacity() {
			total += b.SeatsBooked
		}
	}
	return total
}

// RemainingSeats is derived, never stored.
func (r *Ride) RemainingSeats() int { return r.SeatsTotal - r.BookedSeats() }

// BookingFor returns the passenger's booking and its index, or -1.
func (r *Ride) BookingFor(passengerID string) (Booking, int) {
	for i, b := range r.Bookings {
		if b.PassengerID == passengerID {
			return b, i
		}
	}
	return Booking{}, -1
}

type Rating struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	PasswordHash  string    `json:"-"`
	City          string    `json:"city"`
	Rating        Rating    `json:"rating"`
	RidesAsDriver int       `json:"rides_as_driver"`
	RidesAsPax    int       `json:"rides_as_passenger"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

type Review struct {
	ID         string    `json:"id"`
	RideID     string    `json:"ride_id"`
	ReviewerID string    `json:"reviewer_id"`
	RevieweeID string    `json:"reviewee_id"`
	Rating     int       `json:"rating"` // 1..5
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

type ChatMessage struct {
	ID       string      `json:"id"`
	RideID   string      `json:"ride_id"`
	SenderID string      `json:"sender_id"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
	SentAt   time.Time   `json:"sent_at"`
}

// RideEvent is the wire shape published to the event stream on every
// ledger mutation. Consumers (cmd/notifier) ignore unknown kinds.
type RideEvent struct {
	Kind        string     `json:"kind"` // ride_created, booking_committed, booking_cancelled, booking_status_set, ride_cancelled, ride_completed
	RideID      string     `json:"ride_id"`
	DriverID    string     `json:"driver_id"`
	PassengerID string     `json:"passenger_id,omitempty"`
	Seats       int        `json:"seats,omitempty"`
	Status      RideStatus `json:"status"`
	Origin      Location   `json:"origin"`
	At          time.Time  `json:"at"`
}
