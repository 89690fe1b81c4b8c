// Package dashboard exposes the read-only operator view: live counters
// from every stage plus the recent detection feed. It never mutates
// anything; subscriptions are trackerctl's job.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/confluence"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/queue"
	"github.com/confluence-tracker/pkg/router"
)

type Dashboard struct {
	store   *db.Store
	queue   *queue.Queue
	engine  *confluence.Engine
	router  *router.Router
	srv     *http.Server
	started time.Time
}

func New(store *db.Store, q *queue.Queue, engine *confluence.Engine, rt *router.Router, port int) *Dashboard {
	d := &Dashboard{
		store:   store,
		queue:   q,
		engine:  engine,
		router:  rt,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(cors)
	r.HandleFunc("/api/health", d.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/stats", d.handleStats).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/confluences", d.handleConfluences).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/tenants/{id:[0-9]+}/confluences", d.handleTenantConfluences).Methods("GET", "OPTIONS")
	r.HandleFunc("/", d.serveFrontend).Methods("GET")

	d.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return d
}

func (d *Dashboard) Run() error {
	log.Info().Str("addr", d.srv.Addr).Msg("🌐 dashboard started")
	if err := d.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *Dashboard) Shutdown(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (d *Dashboard) Handler() http.Handler {
	return d.srv.Handler
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := d.store.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"store":          storeStats,
		"queue":          d.queue.Stats(),
		"queue_tenants":  d.queue.TenantStats(),
		"engine":         d.engine.Stats(),
		"router":         d.router.Stats(),
		"uptime_seconds": int64(time.Since(d.started).Seconds()),
	})
}

func (d *Dashboard) handleConfluences(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24, 1, 168)
	limit := queryInt(r, "limit", 100, 1, 500)

	confs, err := d.store.ListRecentConfluences(time.Now().Add(-time.Duration(hours)*time.Hour), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, confs)
}

func (d *Dashboard) handleTenantConfluences(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad tenant id", http.StatusBadRequest)
		return
	}
	hours := queryInt(r, "hours", 24, 1, 168)

	now := time.Now()
	confs, err := d.store.ListConfluences(tenantID, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, confs)
}

func queryInt(r *http.Request, key string, fallback, min, max int) int {
	v := fallback
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}
