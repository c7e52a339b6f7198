package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

const availableSetKey = "recicladores_disponibles"

// RedisPresence implements Presence on Redis so availability survives a
// coordinator restart and stays visible to other processes. Locations
// land in a GEO key, the same one cmd/consumer mirrors Kafka samples
// into.
type RedisPresence struct {
	client *redis.Client
	geoKey string
	ctx    context.Context
}

func NewRedisPresence(addr, password, geoKey string) *RedisPresence {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPresence{client: c, geoKey: geoKey, ctx: context.Background()}
}

func (r *RedisPresence) SetAvailable(id string, available bool) {
	if available {
		_ = r.client.SAdd(r.ctx, availableSetKey, id).Err()
	} else {
		_ = r.client.SRem(r.ctx, availableSetKey, id).Err()
	}
	_ = r.client.HSet(r.ctx, metaKey(id), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisPresence) Upsert(id string, loc models.Coord) {
	_, _ = r.client.GeoAdd(r.ctx, r.geoKey, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: id}).Result()
	_ = r.client.HSet(r.ctx, metaKey(id), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisPresence) Available() []string {
	ids, err := r.client.SMembers(r.ctx, availableSetKey).Result()
	if err != nil {
		return nil
	}
	return ids
}

func (r *RedisPresence) IsAvailable(id string) bool {
	ok, err := r.client.SIsMember(r.ctx, availableSetKey, id).Result()
	return err == nil && ok
}

func metaKey(id string) string { return "reciclador:meta:" + id }
