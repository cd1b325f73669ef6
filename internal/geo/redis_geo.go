package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements RideIndex on Redis GEO commands, with a hash per
// ride for the city metadata.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

// NewRedisIndexFromClient shares an existing client (used by the notifier).
func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(o RideOrigin) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: o.Coord.Lon, Latitude: o.Coord.Lat, Name: o.RideID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(o.RideID), map[string]interface{}{"city": o.City}).Err()
}

func (r *RedisIndex) Remove(rideID string) {
	_ = r.client.ZRem(r.ctx, r.key, rideID).Err()
	_ = r.client.Del(r.ctx, metaKey(rideID)).Err()
}

func (r *RedisIndex) Nearby(lat, lon, radiusM float64, limit int) []RideOrigin {
	if radiusM <= 0 {
		radiusM = 50000
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]RideOrigin, 0, len(res))
	for _, g := range res {
		o := RideOrigin{RideID: g.Name, DistM: g.Dist}
		o.Coord.Lat = g.Latitude
		o.Coord.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			o.City = m["city"]
		}
		out = append(out, o)
	}
	return out
}

func metaKey(id string) string { return "ride:meta:" + id }
