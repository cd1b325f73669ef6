// Package httpapi exposes the carpool REST API and the chat websocket
// endpoint.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/chat"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/ledger"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/reviews"
	"github.com/example/carpool/internal/storage"
)

type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	rides   storage.RideStore
	users   storage.UserStore
	auth    *auth.Service
	ledger  *ledger.Service
	reviews *reviews.Service
	hub     *chat.Hub
	geoIdx  geo.RideIndex

	mux *mux.Router
}

// NewServer wires the API from explicit dependencies. Tests use it with
// in-memory stores.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, rides storage.RideStore, users storage.UserStore, revs storage.ReviewStore, chats storage.ChatStore, pub ledger.Events, pay ledger.Payments, idx geo.RideIndex) *Server {
	hub := chat.NewHub(chats, logger)
	hub.MaxMsgLen = cfg.MaxChatMessageLen

	led := &ledger.Service{
		Store:        rides,
		Participants: hub,
		Events:       pub,
		Payments:     pay,
		Counters:     users,
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		rides:  rides,
		users:  users,
		auth: &auth.Service{
			Users:      users,
			Secret:     []byte(cfg.JWTSecret),
			TokenTTL:   cfg.TokenTTL,
			BcryptCost: cfg.BcryptCost,
		},
		ledger:  led,
		reviews: &reviews.Service{Rides: rides, Reviews: revs, Users: users},
		hub:     hub,
		geoIdx:  idx,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires from configuration: Postgres, Redis, Kafka and
// Stripe when configured, in-memory fallbacks otherwise.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var (
		rides storage.RideStore
		users storage.UserStore
		revs  storage.ReviewStore
		chats storage.ChatStore
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresRideStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		rides = ps
		users = storage.NewPostgresUserStore(ps.DB())
		revs = storage.NewPostgresReviewStore(ps.DB())
		chats = storage.NewPostgresChatStore(ps.DB())
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		rides = storage.NewMemoryRideStore()
		users = storage.NewMemoryUserStore()
		revs = storage.NewMemoryReviewStore()
		chats = storage.NewMemoryChatStore()
	}

	var idx geo.RideIndex
	if cfg.RedisAddr != "" {
		idx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		idx = geo.NewIndex()
	}

	var pub ledger.Events
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var pay ledger.Payments
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	return NewServer(cfg, logger, rides, users, revs, chats, pub, pay, idx), nil
}

func (s *Server) Config() config.ServerConfig { return s.cfg }

func (s *Server) routes() {
	// public
	s.mux.HandleFunc("/api/auth/register", s.handleRegister).Methods("POST")
	s.mux.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")
	s.mux.HandleFunc("/api/reviews/user/{userID}", s.handleReviewsForUser).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	// authenticated
	api := s.mux.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/api/auth/me", s.handleMe).Methods("GET")

	api.HandleFunc("/api/rides", s.handleSearchRides).Methods("GET")
	api.HandleFunc("/api/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/api/rides/nearby", s.handleNearbyRides).Methods("GET")
	api.HandleFunc("/api/rides/my", s.handleMyRides).Methods("GET")
	api.HandleFunc("/api/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/api/rides/{id}", s.handleUpdateRide).Methods("PUT")
	api.HandleFunc("/api/rides/{id}", s.handleCancelRide).Methods("DELETE")
	api.HandleFunc("/api/rides/{id}/complete", s.handleCompleteRide).Methods("POST")

	api.HandleFunc("/api/rides/{id}/book", s.handleBookRide).Methods("POST")
	api.HandleFunc("/api/rides/{id}/booking", s.handleCancelBooking).Methods("DELETE")
	api.HandleFunc("/api/rides/{id}/bookings/{passengerID}/status", s.handleSetBookingStatus).Methods("PUT")
	api.HandleFunc("/api/bookings", s.handleMyBookings).Methods("GET")

	api.HandleFunc("/api/reviews", s.handleCreateReview).Methods("POST")

	api.HandleFunc("/api/chat/ride/{rideID}", s.handleChatHistory).Methods("GET")
	api.HandleFunc("/ws/chat/{rideID}", s.handleChatWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
