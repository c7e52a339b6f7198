package geo

import (
	"math"
	"sync"
	"time"

	"github.com/sebaswaton/reciapp-dispatch/internal/models"
)

// Presence tracks which recyclers are marked available and where they
// last reported from. Availability is an explicit toggle, independent
// of transport connectedness; the coordinator intersects the two when
// fanning out new requests.
type Presence interface {
	SetAvailable(recyclerID string, available bool)
	Upsert(recyclerID string, loc models.Coord)
	Available() []string
	IsAvailable(recyclerID string) bool
}

type recyclerState struct {
	loc       models.Coord
	available bool
	updated   time.Time
}

// Index is the in-memory Presence used when no Redis is configured.
type Index struct {
	mu        sync.RWMutex
	recyclers map[string]recyclerState
}

func NewIndex() *Index {
	return &Index{recyclers: make(map[string]recyclerState)}
}

func (g *Index) SetAvailable(id string, available bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.recyclers[id]
	st.available = available
	st.updated = time.Now()
	g.recyclers[id] = st
}

func (g *Index) Upsert(id string, loc models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.recyclers[id]
	st.loc = loc
	st.updated = time.Now()
	g.recyclers[id] = st
}

func (g *Index) Available() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.recyclers))
	for id, st := range g.recyclers {
		if st.available {
			out = append(out, id)
		}
	}
	return out
}

func (g *Index) IsAvailable(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.recyclers[id].available
}

// Haversine distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
