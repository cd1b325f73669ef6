// Package geo maintains a searchable index of ride origins so passengers
// can find rides departing near them. The index is advisory: the ride
// store remains the source of truth and lookups re-validate against it.
package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/example/carpool/internal/models"
)

// RideOrigin is an index entry: a ride and where it departs from.
type RideOrigin struct {
	RideID string
	Coord  models.Coord
	City   string
	DistM  float64 // filled on Nearby results
}

// RideIndex is the minimal interface the HTTP layer and the notifier need.
type RideIndex interface {
	Upsert(o RideOrigin)
	Remove(rideID string)
	Nearby(lat, lon, radiusM float64, limit int) []RideOrigin
}

type Index struct {
	mu      sync.RWMutex
	origins map[string]RideOrigin
}

func NewIndex() *Index {
	return &Index{origins: make(map[string]RideOrigin)}
}

func (g *Index) Upsert(o RideOrigin) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.origins[o.RideID] = o
}

func (g *Index) Remove(rideID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.origins, rideID)
}

// naive scan; fine for the in-memory fallback
func (g *Index) Nearby(lat, lon, radiusM float64, limit int) []RideOrigin {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RideOrigin, 0)
	for _, o := range g.origins {
		d := Haversine(lat, lon, o.Coord.Lat, o.Coord.Lon)
		if radiusM > 0 && d > radiusM {
			continue
		}
		o.DistM = d
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistM < out[j].DistM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
