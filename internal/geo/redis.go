package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// overFetch widens the first GEOSEARCH COUNT so category filtering usually
// fills the limit in one round trip.
const overFetch = 4

// RedisIndex keeps every reported position in one GEO set, and a second GEO
// set holding only active and approved drivers. Presence metadata lives in one
// hash per driver. Queries run against the second set.
type RedisIndex struct {
	client       redis.Cmdable
	key          string
	availableKey string
	now          func() time.Time
}

func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = "drivers:geo"
	}
	return &RedisIndex{client: client, key: key, availableKey: key + ":available", now: time.Now}
}

func (r *RedisIndex) Upsert(ctx context.Context, p Presence) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = r.now()
	}
	loc := &redis.GeoLocation{Longitude: p.Location.Lon, Latitude: p.Location.Lat, Name: p.DriverID}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, loc)
	pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"active":     strconv.FormatBool(p.IsActive),
		"approval":   p.ApprovalStatus,
		"categories": strings.Join(p.Categories, ","),
		"updated":    p.UpdatedAt.Format(time.RFC3339Nano),
	})
	if p.IsActive && p.ApprovalStatus == ApprovalApproved {
		pipe.GeoAdd(ctx, r.availableKey, loc)
	} else {
		pipe.ZRem(ctx, r.availableKey, p.DriverID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisIndex) UpdateLocation(ctx context.Context, driverID string, loc Coord) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
	pipe.HSet(ctx, metaKey(driverID), "updated", r.now().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update location %s: %w", driverID, err)
	}
	return r.reconcile(ctx, driverID)
}

func (r *RedisIndex) SetActive(ctx context.Context, driverID string, active bool) error {
	err := r.client.HSet(ctx, metaKey(driverID),
		"active", strconv.FormatBool(active),
		"updated", r.now().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("redis set active %s: %w", driverID, err)
	}
	return r.reconcile(ctx, driverID)
}

func (r *RedisIndex) SetProfile(ctx context.Context, driverID, approval string, categories []string) error {
	err := r.client.HSet(ctx, metaKey(driverID),
		"approval", approval,
		"categories", strings.Join(categories, ","),
	).Err()
	if err != nil {
		return fmt.Errorf("redis set profile %s: %w", driverID, err)
	}
	return r.reconcile(ctx, driverID)
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.ZRem(ctx, r.availableKey, driverID)
	pipe.Del(ctx, metaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove %s: %w", driverID, err)
	}
	return nil
}

// reconcile moves the driver in or out of the available set to match its
// metadata and last position. Two writers racing on one driver can leave the
// set stale until the next update; FindCandidates re-checks metadata, so a
// stale member is never offered a ride.
func (r *RedisIndex) reconcile(ctx context.Context, driverID string) error {
	pipe := r.client.Pipeline()
	meta := pipe.HMGet(ctx, metaKey(driverID), "active", "approval")
	pos := pipe.GeoPos(ctx, r.key, driverID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis read presence %s: %w", driverID, err)
	}

	vals := meta.Val()
	eligible := len(vals) == 2 && vals[0] == "true" && vals[1] == ApprovalApproved
	var at *redis.GeoPos
	if ps := pos.Val(); len(ps) == 1 {
		at = ps[0]
	}

	var err error
	if eligible && at != nil {
		err = r.client.GeoAdd(ctx, r.availableKey, &redis.GeoLocation{
			Name:      driverID,
			Longitude: at.Longitude,
			Latitude:  at.Latitude,
		}).Err()
	} else {
		err = r.client.ZRem(ctx, r.availableKey, driverID).Err()
	}
	if err != nil {
		return fmt.Errorf("redis availability %s: %w", driverID, err)
	}
	return nil
}

// FindCandidates searches the available set nearest-first. When metadata
// filtering leaves fewer than Limit drivers it doubles COUNT and searches
// again, until the radius holds no more members.
func (r *RedisIndex) FindCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	q = q.withDefaults()
	count := q.Limit * overFetch
	for {
		res, err := r.client.GeoSearchLocation(ctx, r.availableKey, &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  q.Point.Lon,
				Latitude:   q.Point.Lat,
				Radius:     q.RadiusMeters,
				RadiusUnit: "m",
				Sort:       "ASC",
				Count:      count,
			},
			WithCoord: true,
			WithDist:  true,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis geosearch: %w", err)
		}
		if len(res) == 0 {
			return nil, nil
		}

		out, err := r.filter(ctx, res, q)
		if err != nil {
			return nil, err
		}
		if len(out) >= q.Limit || len(res) < count {
			if len(out) > q.Limit {
				out = out[:q.Limit]
			}
			return out, nil
		}
		count *= 2
	}
}

func (r *RedisIndex) filter(ctx context.Context, res []redis.GeoLocation, q Query) ([]Candidate, error) {
	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis presence metadata: %w", err)
	}

	out := make([]Candidate, 0, len(res))
	for i, g := range res {
		p := decodeMeta(g.Name, metas[i].Val())
		p.Location = Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !p.Eligible(q.Category) {
			continue
		}
		out = append(out, Candidate{Presence: p, DistanceMeters: g.Dist})
	}
	return out, nil
}

func decodeMeta(id string, m map[string]string) Presence {
	p := Presence{DriverID: id, IsActive: m["active"] == "true", ApprovalStatus: m["approval"]}
	if c := m["categories"]; c != "" {
		p.Categories = strings.Split(c, ",")
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		p.UpdatedAt = t
	}
	return p
}

func metaKey(id string) string { return "driver:meta:" + id }
