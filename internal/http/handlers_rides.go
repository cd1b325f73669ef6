package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

const maxSeatsPerRide = 7

// averageSpeedKmh drives the arrival estimate when the driver does not
// supply one.
const averageSpeedKmh = 55.0

type createRideRequest struct {
	Origin        models.Location    `json:"origin"`
	Destination   models.Location    `json:"destination"`
	DepartureTime time.Time          `json:"departure_time"`
	ArrivalTime   time.Time          `json:"estimated_arrival_time"`
	SeatsTotal    int                `json:"seats_total"`
	PricePerSeat  float64            `json:"price_per_seat"`
	Currency      string             `json:"currency"`
	Vehicle       models.VehicleInfo `json:"vehicle"`
	Notes         string             `json:"notes"`
}

func (req createRideRequest) validate(now time.Time) []string {
	var errs []string
	if strings.TrimSpace(req.Origin.Address) == "" || strings.TrimSpace(req.Origin.City) == "" {
		errs = append(errs, "origin address and city are required")
	}
	if strings.TrimSpace(req.Destination.Address) == "" || strings.TrimSpace(req.Destination.City) == "" {
		errs = append(errs, "destination address and city are required")
	}
	if !req.DepartureTime.After(now) {
		errs = append(errs, "departure time must be in the future")
	}
	if req.SeatsTotal < 1 || req.SeatsTotal > maxSeatsPerRide {
		errs = append(errs, fmt.Sprintf("seats must be between 1 and %d", maxSeatsPerRide))
	}
	if req.PricePerSeat < 0 {
		errs = append(errs, "price per seat cannot be negative")
	}
	if strings.TrimSpace(req.Vehicle.Make) == "" || strings.TrimSpace(req.Vehicle.PlateNumber) == "" {
		errs = append(errs, "vehicle make and plate number are required")
	}
	return errs
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req createRideRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	now := time.Now()
	if errs := req.validate(now); len(errs) > 0 {
		s.failValidation(w, errs)
		return
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	arrival := req.ArrivalTime
	if arrival.IsZero() {
		distKm := geo.Haversine(req.Origin.Coord.Lat, req.Origin.Coord.Lon,
			req.Destination.Coord.Lat, req.Destination.Coord.Lon) / 1000
		arrival = req.DepartureTime.Add(time.Duration(distKm / averageSpeedKmh * float64(time.Hour)))
	}

	ride := &models.Ride{
		ID:            auth.NewID(),
		DriverID:      u.ID,
		Origin:        req.Origin,
		Destination:   req.Destination,
		DepartureTime: req.DepartureTime,
		ArrivalTime:   arrival,
		SeatsTotal:    req.SeatsTotal,
		PricePerSeat:  req.PricePerSeat,
		Currency:      currency,
		Vehicle:       req.Vehicle,
		Notes:         req.Notes,
		Status:        models.RideActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.rides.CreateRide(r.Context(), ride); err != nil {
		s.writeError(w, r, err)
		return
	}

	_ = s.hub.Join(r.Context(), ride.ID, u.ID)
	_ = s.users.AddDriverRide(r.Context(), u.ID)
	s.geoIdx.Upsert(geo.RideOrigin{RideID: ride.ID, Coord: ride.Origin.Coord, City: ride.Origin.City})
	observability.RidesCreated.Inc()
	if s.ledger.Events != nil {
		_ = s.ledger.Events.Publish(r.Context(), models.RideEvent{
			Kind:     "ride_created",
			RideID:   ride.ID,
			DriverID: ride.DriverID,
			Status:   ride.Status,
			Origin:   ride.Origin,
			At:       now,
		})
	}
	s.ok(w, http.StatusCreated, ride, "ride created")
}

func (s *Server) handleSearchRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RideFilter{
		OriginCity:      q.Get("from"),
		DestinationCity: q.Get("to"),
		OnlyUpcoming:    q.Get("include_past") != "true",
		Page:            queryInt(q.Get("page"), 1),
		Limit:           queryInt(q.Get("limit"), 20),
	}
	if d := q.Get("date"); d != "" {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		f.DateFrom = day
		f.DateTo = day.Add(24 * time.Hour)
	}
	if v := q.Get("seats"); v != "" {
		f.MinSeatsFree = queryInt(v, 0)
	}
	if v := q.Get("max_price"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "max_price must be a number")
			return
		}
		f.MaxPrice = p
	}
	// own rides never show up in search; drivers use /api/rides/my
	f.ExcludeDriverID = currentUser(r).ID

	rides, total, err := s.rides.SearchRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]any{
		"rides": rides,
		"total": total,
		"page":  f.Page,
		"limit": f.Limit,
	}, "")
}

func (s *Server) handleNearbyRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.fail(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	radius := 5000.0
	if v := q.Get("radius_m"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			radius = parsed
		}
	}
	limit := queryInt(q.Get("limit"), 20)

	type nearbyRide struct {
		Ride      *models.Ride `json:"ride"`
		DistanceM float64      `json:"distance_m"`
	}

	// The geo index is advisory; the store is the source of truth, so
	// each hit is re-validated and stale entries are pruned.
	var out []nearbyRide
	for _, origin := range s.geoIdx.Nearby(lat, lon, radius, limit) {
		ride, err := s.rides.GetRide(r.Context(), origin.RideID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.geoIdx.Remove(origin.RideID)
				continue
			}
			s.writeError(w, r, err)
			return
		}
		if ride.Status != models.RideActive || !ride.DepartureTime.After(time.Now()) {
			continue
		}
		out = append(out, nearbyRide{Ride: ride, DistanceM: origin.DistM})
	}
	s.ok(w, http.StatusOK, map[string]any{"rides": out, "count": len(out)}, "")
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.RidesByDriver(r.Context(), currentUser(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]any{"rides": rides, "count": len(rides)}, "")
}

func (s *Server) handleMyBookings(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	rides, err := s.rides.RidesByPassenger(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := rides[:0]
		for _, ride := range rides {
			if b, i := ride.BookingFor(u.ID); i >= 0 && string(b.Status) == want {
				filtered = append(filtered, ride)
			}
		}
		rides = filtered
	}
	s.ok(w, http.StatusOK, map[string]any{"rides": rides, "count": len(rides)}, "")
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, ride, "")
}

type updateRideRequest struct {
	DepartureTime *time.Time          `json:"departure_time"`
	ArrivalTime   *time.Time          `json:"estimated_arrival_time"`
	PricePerSeat  *float64            `json:"price_per_seat"`
	Notes         *string             `json:"notes"`
	Vehicle       *models.VehicleInfo `json:"vehicle"`
}

// handleUpdateRide edits the driver-mutable fields. Seat count is fixed at
// creation and ride status only moves through the booking endpoints, so
// price or schedule edits can never corrupt seat accounting. Already-held
// bookings keep the total they were quoted.
func (s *Server) handleUpdateRide(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := mux.Vars(r)["id"]
	var req updateRideRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DepartureTime != nil && !req.DepartureTime.After(time.Now()) {
		s.fail(w, http.StatusBadRequest, "departure time must be in the future")
		return
	}
	if req.PricePerSeat != nil && *req.PricePerSeat < 0 {
		s.fail(w, http.StatusBadRequest, "price per seat cannot be negative")
		return
	}

	for attempt := 0; ; attempt++ {
		ride, err := s.rides.GetRide(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if ride.DriverID != u.ID {
			s.fail(w, http.StatusForbidden, "only the driver can edit this ride")
			return
		}
		if ride.Status.Terminal() {
			s.fail(w, http.StatusBadRequest, "ride is no longer editable")
			return
		}
		if req.DepartureTime != nil {
			ride.DepartureTime = *req.DepartureTime
		}
		if req.ArrivalTime != nil {
			ride.ArrivalTime = *req.ArrivalTime
		}
		if req.PricePerSeat != nil {
			ride.PricePerSeat = *req.PricePerSeat
		}
		if req.Notes != nil {
			ride.Notes = *req.Notes
		}
		if req.Vehicle != nil {
			ride.Vehicle = *req.Vehicle
		}

		err = s.rides.UpdateRide(r.Context(), ride, ride.Version)
		if err == nil {
			s.ok(w, http.StatusOK, ride, "ride updated")
			return
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < 3 {
			continue
		}
		s.writeError(w, r, err)
		return
	}
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := mux.Vars(r)["id"]
	if err := s.ledger.CancelRide(r.Context(), id, u.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.geoIdx.Remove(id)
	// a ride without bookings is deleted outright; only surviving rides
	// have passengers left to tell
	if _, err := s.rides.GetRide(r.Context(), id); err == nil {
		s.hub.Announce(r.Context(), id, u.ID, "ride_cancelled")
	}
	s.ok(w, http.StatusOK, nil, "ride cancelled")
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	u := currentUser(r)
	ride, err := s.ledger.CompleteRide(r.Context(), id, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.geoIdx.Remove(id)
	s.hub.Announce(r.Context(), id, u.ID, "ride_completed")
	s.ok(w, http.StatusOK, ride, "ride completed")
}

type bookRideRequest struct {
	SeatsBooked int              `json:"seats_booked"`
	Pickup      *models.Location `json:"pickup"`
	Dropoff     *models.Location `json:"dropoff"`
}

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := mux.Vars(r)["id"]
	var req bookRideRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SeatsBooked == 0 {
		req.SeatsBooked = 1
	}
	if req.SeatsBooked < 1 {
		s.fail(w, http.StatusBadRequest, "seats must be at least 1")
		return
	}

	ride, err := s.ledger.CommitBooking(r.Context(), id, u.ID, req.SeatsBooked, req.Pickup, req.Dropoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	booking, _ := ride.BookingFor(u.ID)
	s.ok(w, http.StatusCreated, map[string]any{"ride": ride, "booking": booking}, "booking confirmed")
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	ride, err := s.ledger.CancelBooking(r.Context(), mux.Vars(r)["id"], currentUser(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, ride, "booking cancelled")
}

func (s *Server) handleSetBookingStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := models.BookingStatus(req.Status)
	switch status {
	case models.BookingPending, models.BookingConfirmed, models.BookingCancelled:
	default:
		s.fail(w, http.StatusBadRequest, "status must be pending, confirmed or cancelled")
		return
	}

	ride, err := s.ledger.SetBookingStatus(r.Context(), vars["id"], currentUser(r).ID, vars["passengerID"], status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, ride, "booking status updated")
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
