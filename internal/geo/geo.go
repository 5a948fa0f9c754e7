package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/dispatcherr"
	"github.com/example/service-dispatch/internal/models"
)

// DefaultLimit caps the candidate set when the caller passes limit <= 0.
const DefaultLimit = 5

// Geo answers "who is eligible and within radius R of point P" and tracks
// provider availability. Busy is owned by the dispatch coordinator; providers
// only toggle their own online flag.
type Geo interface {
	FindCandidates(ctx context.Context, category string, lat, lng, radiusM float64, limit int) ([]models.Candidate, error)
	Upsert(ctx context.Context, p models.Provider) error
	Get(ctx context.Context, providerID string) (models.Provider, bool, error)
	SetOnline(ctx context.Context, providerID string, online bool) error
	SetBusy(ctx context.Context, providerID string, busy bool) error
}

// Index is the in-memory implementation: a guarded map with a linear
// haversine scan. Fine for a single node and for tests; RedisGeo is the
// production index.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.Provider)}
}

func (g *Index) Upsert(_ context.Context, p models.Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.providers[p.ID] = p
	return nil
}

func (g *Index) Get(_ context.Context, providerID string) (models.Provider, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[providerID]
	return p, ok, nil
}

func (g *Index) SetOnline(_ context.Context, providerID string, online bool) error {
	return g.setFlag(providerID, func(p *models.Provider) { p.Online = online })
}

func (g *Index) SetBusy(_ context.Context, providerID string, busy bool) error {
	return g.setFlag(providerID, func(p *models.Provider) { p.Busy = busy })
}

func (g *Index) setFlag(providerID string, mutate func(*models.Provider)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		return dispatcherr.Newf(dispatcherr.KindNotFound, "provider %s not registered", providerID)
	}
	mutate(&p)
	p.Updated = time.Now()
	g.providers[providerID] = p
	return nil
}

// FindCandidates returns eligible providers within radiusM of the origin,
// ordered ascending by distance with ties broken by provider ID. An empty
// result is not an error.
func (g *Index) FindCandidates(_ context.Context, category string, lat, lng, radiusM float64, limit int) ([]models.Candidate, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Candidate, 0, limit)
	for _, p := range g.providers {
		if !p.Online || p.Busy || p.Category != category {
			continue
		}
		dist := Haversine(lat, lng, p.Loc.Lat, p.Loc.Lng)
		if dist > radiusM {
			continue
		}
		out = append(out, models.Candidate{ID: p.ID, DistanceM: dist})
	}
	SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortCandidates orders ascending by distance, then by provider ID so equal
// distances are deterministic.
func SortCandidates(cands []models.Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceM != cands[j].DistanceM {
			return cands[i].DistanceM < cands[j].DistanceM
		}
		return cands[i].ID < cands[j].ID
	})
}

// Haversine returns the great-circle distance in meters on a 6371 km sphere.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
