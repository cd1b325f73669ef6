// The notifier tails the ride-events topic and keeps the Redis geo index
// in sync with the ride ledger, so nearby-ride lookups work even when
// rides were created by another api instance or before a restart.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_consumed_total",
		Help: "Total ride events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_events_invalid_total",
		Help: "Total undecodable events received",
	})
	indexUpserts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_index_upserts_total",
		Help: "Total geo index upserts",
	})
	indexRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_index_removals_total",
		Help: "Total geo index removals",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, indexUpserts, indexRemovals)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "carpool-notifier"
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	idx := geo.NewRedisIndexFromClient(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("notifier listening topic=%s brokers=%v group=%s", cfg.KafkaTopic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down notifier")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		eventsConsumed.Inc()

		var ev models.RideEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			eventsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}
		applyEvent(idx, ev)
	}
}

// applyEvent routes one ledger event onto the index. Bookings only change
// a ride's status, so anything non-terminal refreshes the entry and
// terminal statuses remove it. Unknown kinds are skipped so the topic can
// grow new event types without breaking old notifiers.
func applyEvent(idx geo.RideIndex, ev models.RideEvent) {
	switch ev.Kind {
	case "ride_created", "booking_committed", "booking_cancelled", "booking_status_set":
		if ev.Status.Terminal() || ev.Status == models.RideFull {
			idx.Remove(ev.RideID)
			indexRemovals.Inc()
			return
		}
		idx.Upsert(geo.RideOrigin{RideID: ev.RideID, Coord: ev.Origin.Coord, City: ev.Origin.City})
		indexUpserts.Inc()
	case "ride_cancelled", "ride_completed":
		idx.Remove(ev.RideID)
		indexRemovals.Inc()
	}
}
