// Package api serves the rendered bus positions over HTTP.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"livebus/internal/db"
	"livebus/internal/tracker"
)

// Status is implemented by the feed connection manager.
type Status interface {
	Connected() bool
	UpdatesPerSecond() int64
}

type Bus struct {
	ID         int32   `json:"id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Route      int32   `json:"route"`
	RouteLabel string  `json:"routeLabel,omitempty"`
	TargetLat  float64 `json:"targetLat"`
	TargetLng  float64 `json:"targetLng"`
	State      string  `json:"state"`
}

// Response is the /buses payload. Total counts every tracked bus; Buses
// holds only those inside the requested bounds.
type Response struct {
	Connected        bool  `json:"connected"`
	UpdatesPerSecond int64 `json:"updatesPerSecond"`
	Total            int   `json:"total"`
	Buses            []Bus `json:"buses"`
}

// Bounds is the visible map window. A zero Bounds accepts everything.
type Bounds struct {
	South, North, West, East float64
}

func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

func (b Bounds) Contains(lat, lng float64) bool {
	if b.IsZero() {
		return true
	}
	return b.South <= lat && lat <= b.North && b.West <= lng && lng <= b.East
}

type Handler struct {
	store   *tracker.Store
	status  Status
	catalog *db.Catalog
	now     func() time.Time
}

func NewHandler(store *tracker.Store, status Status, catalog *db.Catalog) *Handler {
	return &Handler{store: store, status: status, catalog: catalog, now: time.Now}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", h.health)
	mux.HandleFunc("/buses", h.buses)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !h.status.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("feed disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) buses(w http.ResponseWriter, r *http.Request) {
	bounds, err := parseBounds(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := h.Snapshot(bounds)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("api: encode buses: %v", err)
	}
}

// Snapshot renders every bus at the current time and filters by bounds.
func (h *Handler) Snapshot(bounds Bounds) Response {
	now := h.now()
	d := h.store.Params().Transition
	tracks := h.store.Render(now)
	resp := Response{
		Connected:        h.status.Connected(),
		UpdatesPerSecond: h.status.UpdatesPerSecond(),
		Total:            len(tracks),
		Buses:            make([]Bus, 0, len(tracks)),
	}
	for _, tr := range tracks {
		if !bounds.Contains(tr.CurLat, tr.CurLng) {
			continue
		}
		b := Bus{
			ID:        tr.ID,
			Lat:       tr.CurLat,
			Lng:       tr.CurLng,
			Route:     tr.Route,
			TargetLat: tr.TargetLat,
			TargetLng: tr.TargetLng,
			State:     tr.State(now, d).String(),
		}
		if route, ok := h.catalog.Lookup(tr.Route); ok {
			b.RouteLabel = route.Label()
		}
		resp.Buses = append(resp.Buses, b)
	}
	return resp
}

func parseBounds(r *http.Request) (Bounds, error) {
	q := r.URL.Query()
	keys := []string{"south", "north", "west", "east"}
	vals := make([]float64, len(keys))
	present := 0
	for i, k := range keys {
		s := q.Get(k)
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Bounds{}, &boundsError{key: k, value: s}
		}
		vals[i] = f
		present++
	}
	if present != 0 && present != len(keys) {
		return Bounds{}, &boundsError{msg: "south, north, west and east must be given together"}
	}
	return Bounds{South: vals[0], North: vals[1], West: vals[2], East: vals[3]}, nil
}

type boundsError struct {
	key, value, msg string
}

func (e *boundsError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return "invalid " + e.key + ": " + strconv.Quote(e.value)
}
