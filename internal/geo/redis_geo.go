package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
)

// RedisGeo implements Geo on Redis GEO commands: one geo set per service
// category plus a meta hash per provider for the availability flags.
type RedisGeo struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisGeo(addr, password, keyPrefix string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, keyPrefix: keyPrefix}
}

// NewRedisGeoWithClient is used by the consumer binary which manages its own
// client lifecycle.
func NewRedisGeoWithClient(client *redis.Client, keyPrefix string) *RedisGeo {
	return &RedisGeo{client: client, keyPrefix: keyPrefix}
}

func (r *RedisGeo) geoKey(category string) string { return r.keyPrefix + ":" + category }

func (r *RedisGeo) metaKey(providerID string) string { return "provider:meta:" + providerID }

func (r *RedisGeo) Upsert(ctx context.Context, p models.Provider) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey(p.Category), &redis.GeoLocation{
		Longitude: p.Loc.Lng,
		Latitude:  p.Loc.Lat,
		Name:      p.ID,
	}).Result(); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "geo upsert failed", err)
	}
	err := r.client.HSet(ctx, r.metaKey(p.ID), map[string]interface{}{
		"category": p.Category,
		"online":   strconv.FormatBool(p.Online),
		"busy":     strconv.FormatBool(p.Busy),
		"lat":      strconv.FormatFloat(p.Loc.Lat, 'f', 6, 64),
		"lng":      strconv.FormatFloat(p.Loc.Lng, 'f', 6, 64),
		"updated":  time.Now().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "provider meta update failed", err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, providerID string) (models.Provider, bool, error) {
	m, err := r.client.HGetAll(ctx, r.metaKey(providerID)).Result()
	if err != nil {
		return models.Provider{}, false, dispatcherr.Wrap(dispatcherr.KindQueryFailure, "provider lookup failed", err)
	}
	if len(m) == 0 {
		return models.Provider{}, false, nil
	}
	return providerFromMeta(providerID, m), true, nil
}

func (r *RedisGeo) SetOnline(ctx context.Context, providerID string, online bool) error {
	return r.setFlag(ctx, providerID, "online", online)
}

func (r *RedisGeo) SetBusy(ctx context.Context, providerID string, busy bool) error {
	return r.setFlag(ctx, providerID, "busy", busy)
}

func (r *RedisGeo) setFlag(ctx context.Context, providerID, field string, v bool) error {
	n, err := r.client.Exists(ctx, r.metaKey(providerID)).Result()
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "provider lookup failed", err)
	}
	if n == 0 {
		return dispatcherr.Newf(dispatcherr.KindNotFound, "provider %s not registered", providerID)
	}
	if err := r.client.HSet(ctx, r.metaKey(providerID), field, strconv.FormatBool(v)).Err(); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindStoreFailure, "provider flag update failed", err)
	}
	return nil
}

// FindCandidates runs GEORADIUS on the category set, then filters by the
// availability flags in the meta hashes. Redis over-fetches because offline
// and busy providers still occupy geo slots until their next heartbeat.
func (r *RedisGeo) FindCandidates(ctx context.Context, category string, lat, lng, radiusM float64, limit int) ([]models.Candidate, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	fetch := func(ctx context.Context, count int) ([]redis.GeoLocation, error) {
		res, err := r.client.GeoRadius(ctx, r.geoKey(category), lng, lat, &redis.GeoRadiusQuery{
			Radius:   radiusM,
			Unit:     "m",
			WithDist: true,
			Count:    count,
			Sort:     "ASC",
		}).Result()
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.KindQueryFailure, "geo radius query failed", err)
		}
		return res, nil
	}
	eligible := func(ctx context.Context, providerID string) (bool, error) {
		m, err := r.client.HGetAll(ctx, r.metaKey(providerID)).Result()
		if err != nil {
			return false, dispatcherr.Wrap(dispatcherr.KindQueryFailure, "provider meta lookup failed", err)
		}
		return m["online"] == "true" && m["busy"] != "true" && m["category"] == category, nil
	}
	return collectCandidates(ctx, fetch, eligible, limit)
}

// collectCandidates widens the GEORADIUS fetch window until it has limit
// eligible providers or the radius is exhausted. A window is exhausted when
// redis returns fewer hits than asked for; a full window of mostly busy or
// offline providers triggers a wider refetch so eligible providers deeper in
// the radius are not missed.
func collectCandidates(ctx context.Context, fetch func(context.Context, int) ([]redis.GeoLocation, error), eligible func(context.Context, string) (bool, error), limit int) ([]models.Candidate, error) {
	window := limit * 4
	for {
		res, err := fetch(ctx, window)
		if err != nil {
			return nil, err
		}
		out := make([]models.Candidate, 0, limit)
		for _, g := range res {
			ok, err := eligible(ctx, g.Name)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			out = append(out, models.Candidate{ID: g.Name, DistanceM: g.Dist})
		}
		if len(out) >= limit || len(res) < window {
			// redis leaves equal distances in insertion order; re-sort for
			// the deterministic tie-break.
			SortCandidates(out)
			if len(out) > limit {
				out = out[:limit]
			}
			return out, nil
		}
		window *= 4
	}
}

func providerFromMeta(id string, m map[string]string) models.Provider {
	p := models.Provider{ID: id, Category: m["category"]}
	p.Online = m["online"] == "true"
	p.Busy = m["busy"] == "true"
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		p.Loc.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lng"], 64); err == nil {
		p.Loc.Lng = v
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		p.Updated = t
	}
	return p
}
