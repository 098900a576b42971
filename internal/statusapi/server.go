// Package statusapi serves the read-only worker status surface: a
// single-id lookup, a batch lookup, and a health check, all backed by
// a short-lived process-local cache in front of the live pool
// adapters.
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/uptimed/internal/nameutil"
	"github.com/tos-network/uptimed/internal/poolapi"
	"github.com/tos-network/uptimed/internal/store"
	"github.com/tos-network/uptimed/internal/util"
)

// Projection is the uniform observation the read service returns for
// one miner, regardless of which pool or adapter produced it.
type Projection struct {
	ID            int64   `json:"id"`
	WorkerStatus  string  `json:"worker_status"`
	Hashrate10Min float64 `json:"hashrate_10min,omitempty"`
	Pool          string  `json:"pool,omitempty"`
	WorkerFound   bool    `json:"worker_found"`
	Error         string  `json:"error,omitempty"`
}

type cacheEntry struct {
	projection Projection
	at         time.Time
}

// Server is the read-only status HTTP server.
type Server struct {
	miners      store.MinerLookup
	registry    *poolapi.Registry
	bind        string
	ttl         time.Duration
	concurrency int

	cacheMu sync.RWMutex
	cache   map[int64]cacheEntry

	router *gin.Engine
	server *http.Server
}

// NewServer builds a Server bound to bind (e.g. ":4000"), caching
// fresh answers for ttl and fanning batch misses out across at most
// concurrency adapter calls at a time.
func NewServer(bind string, ttl time.Duration, concurrency int, miners store.MinerLookup, registry *poolapi.Registry) *Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		miners:      miners,
		registry:    registry,
		bind:        bind,
		ttl:         ttl,
		concurrency: concurrency,
		cache:       make(map[int64]cacheEntry),
		router:      router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status/:id", s.handleStatusSingle)
	s.router.GET("/status", s.handleStatusMany)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.bind, Handler: s.router}
	util.Infof("status API listening on %s", s.bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("status API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": "uptimed", "cron": "*/15 * * * *"})
}

func (s *Server) handleStatusSingle(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	refresh := c.Query("refresh") == "1"
	p, internal := s.getStatus(c.Request.Context(), id, refresh)
	if internal {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleStatusMany(c *gin.Context) {
	raw := c.Query("ids")
	if strings.TrimSpace(raw) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids must not be empty"})
		return
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid id %q", p)})
			return
		}
		ids = append(ids, id)
	}
	refresh := c.Query("refresh") == "1"
	c.JSON(http.StatusOK, s.getStatusMany(c.Request.Context(), ids, refresh))
}

// getStatus returns the projection for id, serving from cache unless
// refresh is set or the cached entry has expired. The second return
// value reports whether the failure is an internal/persistence error
// rather than an ordinary fallback outcome (unsupported pool, missing
// credentials): the single-id endpoint surfaces it as a 500, while the
// batch endpoint folds it into the returned projection like any other
// fallback.
func (s *Server) getStatus(ctx context.Context, id int64, refresh bool) (Projection, bool) {
	if !refresh {
		if p, ok := s.cacheGet(id); ok {
			return p, false
		}
	}
	p, cacheable, internal := s.fetch(ctx, id)
	if cacheable {
		s.cacheSet(id, p)
	}
	return p, internal
}

// getStatusMany resolves every id, fanning cache misses out across at
// most s.concurrency concurrent adapter calls, and returns results in
// the requested order. Internal errors are folded into the per-id
// fallback projection rather than failing the whole batch.
func (s *Server) getStatusMany(ctx context.Context, ids []int64, refresh bool) []Projection {
	out := make([]Projection, len(ids))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p, _ := s.getStatus(ctx, id, refresh)
			out[i] = p
		}()
	}
	wg.Wait()
	return out
}

func (s *Server) cacheGet(id int64) (Projection, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[id]
	if !ok || time.Since(entry.at) >= s.ttl {
		return Projection{}, false
	}
	return entry.projection, true
}

func (s *Server) cacheSet(id int64, p Projection) {
	s.cacheMu.Lock()
	s.cache[id] = cacheEntry{projection: p, at: time.Now()}
	s.cacheMu.Unlock()
}

// fetch resolves id against the persistence layer and, if needed, a
// live adapter call. The second return value reports whether the
// projection is safe to cache: failures are returned to the caller
// but never cached, so a transient outage doesn't pin a stale error in
// front of a cached good answer. The third return value reports
// whether the failure is internal (persistence error or adapter
// failure) rather than an ordinary fallback state such as an
// unsupported pool or missing credentials; callers use it to decide
// between a 500 and a 200-with-fallback response.
func (s *Server) fetch(ctx context.Context, id int64) (Projection, bool, bool) {
	m, found, err := s.miners.GetByID(ctx, id)
	if err != nil {
		util.Warnf("status: lookup miner %d: %v", id, err)
		return fallback(id, "db_error"), false, true
	}
	if !found {
		return Projection{ID: id, WorkerStatus: "offline", WorkerFound: false}, true, false
	}
	if store.IsMaintenanceStatus(m.Status) {
		return Projection{ID: id, WorkerStatus: "maintenance", Pool: m.Pool, WorkerFound: true}, true, false
	}

	adapter, ok := s.registry.Lookup(m.Pool)
	if !ok {
		return fallback(id, "unsupported_pool"), false, false
	}
	creds, _ := s.registry.RequiredCredentials(m.Pool)
	if creds.SecretKey && m.SecretKey == "" {
		return fallback(id, "missing_credentials"), false, false
	}

	account := nameutil.Head(m.WorkerName)
	outcome := adapter.ListWorkers(ctx, account, m.Coin, poolapi.Credentials{APIKey: m.APIKey, SecretKey: m.SecretKey})
	if !outcome.Ok {
		return fallback(id, outcome.Reason), false, true
	}

	obs, matched := findObservation(m.Pool, outcome.Workers, m.WorkerName)
	if !matched {
		if detail, ok := adapter.(poolapi.DetailLookup); ok {
			if d, ok2 := detail.WorkerDetail(ctx, account, m.Coin, poolapi.Credentials{APIKey: m.APIKey, SecretKey: m.SecretKey}, nameutil.Tail(m.WorkerName)); ok2 {
				obs, matched = d, true
			}
		}
	}
	if !matched {
		return Projection{ID: id, WorkerStatus: "offline", Pool: m.Pool, WorkerFound: false}, true, false
	}

	status := "offline"
	if poolapi.IsOnline(obs) {
		status = "online"
	}
	return Projection{ID: id, WorkerStatus: status, Hashrate10Min: obs.Hashrate, Pool: m.Pool, WorkerFound: true}, true, false
}

func findObservation(pool string, workers []poolapi.Observation, minerWorkerName string) (poolapi.Observation, bool) {
	for _, w := range workers {
		if poolapi.MatchWorker(pool, w, minerWorkerName) {
			return w, true
		}
	}
	return poolapi.Observation{}, false
}

func fallback(id int64, reason string) Projection {
	return Projection{ID: id, WorkerStatus: "offline", WorkerFound: false, Error: reason}
}
