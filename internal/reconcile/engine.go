// Package reconcile implements the confirmation state machine that
// turns pool-adapter observations into billing credits and lifecycle
// status transitions for a fleet of miners.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tos-network/uptimed/internal/coordinator"
	"github.com/tos-network/uptimed/internal/nameutil"
	"github.com/tos-network/uptimed/internal/poolapi"
	"github.com/tos-network/uptimed/internal/slotclock"
	"github.com/tos-network/uptimed/internal/store"
	"github.com/tos-network/uptimed/internal/util"
)

// Notifier is the narrow alerting surface the engine calls into on a
// status->offline transition or a persistent adapter failure. nil is
// a valid Notifier (engine.Notifier field) meaning alerts are disabled.
type Notifier interface {
	NotifyOffline(pool, workerName string, minerID int64)
	NotifyAdapterDegraded(pool string)
}

// Config tunes the confirmation gate and concurrency of one Engine.
type Config struct {
	GraceMinutes          int
	OfflineConfirmMinutes int
	SlotLockTTL           time.Duration
	MaxConcurrentGroups   int
}

// DefaultConfig matches the spec's chosen constants: 30-minute grace,
// confirm after >=30 minutes (two consecutive 15-minute slots), a
// 15-minute slot lock, and up to 4 concurrent groups per tick.
func DefaultConfig() Config {
	return Config{
		GraceMinutes:          30,
		OfflineConfirmMinutes: 30,
		SlotLockTTL:           15 * time.Minute,
		MaxConcurrentGroups:   4,
	}
}

// Engine drives one pool's tick: load candidates, group them, call
// adapters, classify, and apply mutations.
type Engine struct {
	Miners   store.MinerStore
	State    store.UptimeState
	Registry *poolapi.Registry
	Coord    *coordinator.Coordinator
	Health   *poolapi.HealthScore
	Notifier Notifier
	Cfg      Config
	Now      func() time.Time
}

// New builds an Engine with the given collaborators and config.
func New(miners store.MinerStore, state store.UptimeState, registry *poolapi.Registry, coord *coordinator.Coordinator, health *poolapi.HealthScore, notifier Notifier, cfg Config) *Engine {
	return &Engine{
		Miners:   miners,
		State:    state,
		Registry: registry,
		Coord:    coord,
		Health:   health,
		Notifier: notifier,
		Cfg:      cfg,
		Now:      time.Now,
	}
}

type group struct {
	apiKey    string
	secretKey string
	account   string
	coin      string
	miners    []store.Miner
}

// groupKey returns the tuple that yields one API call for this pool.
// LiteCoinPool is single-tenant (grouped by api_key alone); every
// other supported pool groups by (api_key, secret_key, account, coin).
func groupKey(pool string, m store.Miner) string {
	if strings.EqualFold(pool, "litecoinpool") {
		return m.APIKey
	}
	return fmt.Sprintf("%s|%s|%s|%s", m.APIKey, m.SecretKey, nameutil.Head(m.WorkerName), m.Coin)
}

// Tick runs one reconciliation pass for pool: acquire the slot lock,
// load and group candidates, call each group's adapter, classify
// every miner, and apply the resulting mutations.
func (e *Engine) Tick(ctx context.Context, pool string) error {
	now := e.Now()
	slot := slotclock.ID(now)

	locked, err := e.State.AcquireSlotLock(ctx, pool, slot, e.Cfg.SlotLockTTL)
	if err != nil {
		return fmt.Errorf("acquire slot lock: %w", err)
	}
	if !locked {
		util.Infof("uptime: slot %s for pool %s already locked by another process, skipping", slot, pool)
		return nil
	}

	adapter, ok := e.Registry.Lookup(pool)
	if !ok {
		util.Warnf("uptime: pool %s not supported, skipping tick", pool)
		return nil
	}
	creds, _ := e.Registry.RequiredCredentials(pool)

	miners, err := e.Miners.SelectCandidates(ctx, pool)
	if err != nil {
		return fmt.Errorf("select candidates: %w", err)
	}
	if len(miners) == 0 {
		return nil
	}

	groups := make(map[string]*group)
	for _, m := range miners {
		if creds.SecretKey && m.SecretKey == "" {
			continue // configuration error: missing required credential, skip silently
		}
		key := groupKey(pool, m)
		g, ok := groups[key]
		if !ok {
			g = &group{apiKey: m.APIKey, secretKey: m.SecretKey, account: nameutil.Head(m.WorkerName), coin: m.Coin}
			groups[key] = g
		}
		g.miners = append(g.miners, m)
	}

	result := &tickResult{}
	sem := make(chan struct{}, maxConcurrent(e.Cfg.MaxConcurrentGroups))
	var wg sync.WaitGroup
	for _, g := range groups {
		g := g
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.processGroup(ctx, pool, slot, now, adapter, g, result)
		}()
	}
	wg.Wait()

	return e.applyMutations(ctx, pool, slot, result)
}

func maxConcurrent(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

// tickResult accumulates classification output across all groups;
// every field is guarded by mu since groups run concurrently.
type tickResult struct {
	mu            sync.Mutex
	billingIDs    []int64
	statusOnline  []int64
	statusOffline []int64
	offlineMiners []store.Miner
}

func (r *tickResult) addBilling(id int64) {
	r.mu.Lock()
	r.billingIDs = append(r.billingIDs, id)
	r.mu.Unlock()
}

func (r *tickResult) addStatusOnline(id int64) {
	r.mu.Lock()
	r.statusOnline = append(r.statusOnline, id)
	r.mu.Unlock()
}

func (r *tickResult) addStatusOffline(m store.Miner) {
	r.mu.Lock()
	r.statusOffline = append(r.statusOffline, m.ID)
	r.offlineMiners = append(r.offlineMiners, m)
	r.mu.Unlock()
}

func (e *Engine) graceDuration() time.Duration {
	return time.Duration(e.Cfg.GraceMinutes) * time.Minute
}

func (e *Engine) confirmDuration() time.Duration {
	return time.Duration(e.Cfg.OfflineConfirmMinutes) * time.Minute
}

// graceEligible reports whether a miner should be credited for this
// slot under GRACE even though the current poll can't confirm it
// online: either its stored status is already online, or its last
// confirmed-online slot is within the grace window.
func (e *Engine) graceEligible(ctx context.Context, pool string, id int64, currentStatus string, now time.Time) bool {
	if strings.EqualFold(currentStatus, "online") {
		return true
	}
	lastOnline, ok, err := e.State.LastOnline(ctx, pool, id)
	if err != nil || !ok {
		return false
	}
	age, err := slotclock.Age(lastOnline, now)
	if err != nil {
		return false
	}
	return age <= e.graceDuration()
}

// processGroup calls the group's adapter once and classifies every
// miner in the group, feeding billing/status decisions into result.
func (e *Engine) processGroup(ctx context.Context, pool, slot string, now time.Time, adapter poolapi.Adapter, g *group, result *tickResult) {
	outcome := adapter.ListWorkers(ctx, g.account, g.coin, poolapi.Credentials{APIKey: g.apiKey, SecretKey: g.secretKey})
	if e.Health != nil {
		if outcome.Ok {
			e.Health.RecordSuccess(pool)
		} else if e.Health.RecordFailure(pool) && e.Notifier != nil {
			e.Notifier.NotifyAdapterDegraded(pool)
		}
	}
	if !outcome.Ok {
		e.apiFailureBranch(ctx, pool, now, g, result)
		return
	}
	e.observationBranch(ctx, pool, slot, now, adapter, g, outcome.Workers, result)
}

// apiFailureBranch never mutates status; it credits billing only
// under GRACE, for every miner in the failing group.
func (e *Engine) apiFailureBranch(ctx context.Context, pool string, now time.Time, g *group, result *tickResult) {
	for _, m := range g.miners {
		if store.IsMaintenanceStatus(m.Status) {
			continue
		}
		if e.graceEligible(ctx, pool, m.ID, m.Status, now) {
			result.addBilling(m.ID)
		}
	}
}

// observationBranch matches each miner against the group's worker
// observations and applies the confirmation state machine per miner.
func (e *Engine) observationBranch(ctx context.Context, pool, slot string, now time.Time, adapter poolapi.Adapter, g *group, workers []poolapi.Observation, result *tickResult) {
	for _, m := range g.miners {
		if store.IsMaintenanceStatus(m.Status) {
			continue
		}
		obs, found := findMatch(pool, workers, m.WorkerName)
		if !found {
			if detail, ok := adapter.(poolapi.DetailLookup); ok {
				if d, ok := detail.WorkerDetail(ctx, g.account, g.coin, poolapi.Credentials{APIKey: g.apiKey, SecretKey: g.secretKey}, nameutil.Tail(m.WorkerName)); ok {
					obs, found = d, true
				}
			}
		}
		if !found {
			if e.graceEligible(ctx, pool, m.ID, m.Status, now) {
				result.addBilling(m.ID)
			}
			continue
		}
		if poolapi.IsOnline(obs) {
			e.onMinerOnline(ctx, pool, slot, m, result)
			continue
		}
		e.onMinerOffline(ctx, pool, slot, now, m, result)
	}
}

func findMatch(pool string, workers []poolapi.Observation, minerWorkerName string) (poolapi.Observation, bool) {
	for _, w := range workers {
		if poolapi.MatchWorker(pool, w, minerWorkerName) {
			return w, true
		}
	}
	return poolapi.Observation{}, false
}

func (e *Engine) onMinerOnline(ctx context.Context, pool, slot string, m store.Miner, result *tickResult) {
	result.addBilling(m.ID)
	if !strings.EqualFold(m.Status, "online") {
		result.addStatusOnline(m.ID)
	}
	if err := e.State.SetLastOnline(ctx, pool, m.ID, slot); err != nil {
		util.Warnf("uptime: set lastOnline for %s/%d: %v", pool, m.ID, err)
	}
	if err := e.State.ClearOfflineCandidate(ctx, pool, m.ID); err != nil {
		util.Warnf("uptime: clear offlineCandidate for %s/%d: %v", pool, m.ID, err)
	}
}

func (e *Engine) onMinerOffline(ctx context.Context, pool, slot string, now time.Time, m store.Miner, result *tickResult) {
	if strings.EqualFold(m.Status, "offline") {
		if err := e.State.ClearOfflineCandidate(ctx, pool, m.ID); err != nil {
			util.Warnf("uptime: clear stale offlineCandidate for %s/%d: %v", pool, m.ID, err)
		}
		return
	}

	candidateSlot, hasCandidate, err := e.State.OfflineCandidate(ctx, pool, m.ID)
	if err != nil {
		util.Warnf("uptime: read offlineCandidate for %s/%d: %v", pool, m.ID, err)
		return
	}
	if !hasCandidate {
		if err := e.State.SetOfflineCandidate(ctx, pool, m.ID, slot); err != nil {
			util.Warnf("uptime: set offlineCandidate for %s/%d: %v", pool, m.ID, err)
		}
		result.addBilling(m.ID)
		return
	}

	age, err := slotclock.Age(candidateSlot, now)
	if err != nil {
		util.Warnf("uptime: malformed offlineCandidate for %s/%d: %v", pool, m.ID, err)
		return
	}
	if age >= e.confirmDuration() {
		result.addStatusOffline(m)
		if err := e.State.ClearOfflineCandidate(ctx, pool, m.ID); err != nil {
			util.Warnf("uptime: clear confirmed offlineCandidate for %s/%d: %v", pool, m.ID, err)
		}
		if err := e.State.ClearLastOnline(ctx, pool, m.ID); err != nil {
			util.Warnf("uptime: clear lastOnline on confirmed offline for %s/%d: %v", pool, m.ID, err)
		}
		return
	}
	if e.graceEligible(ctx, pool, m.ID, m.Status, now) {
		result.addBilling(m.ID)
	}
}

// applyMutations emits hours increments before status changes, so a
// miner newly marked offline still receives credit for the slot in
// which it first disappeared.
func (e *Engine) applyMutations(ctx context.Context, pool, slot string, result *tickResult) error {
	dedupedBilling := e.Coord.Dedupe(slot, result.billingIDs)
	if err := e.Miners.IncrementHours(ctx, dedupedBilling); err != nil {
		util.Errorf("uptime: increment hours for pool %s: %v", pool, err)
	}
	if _, err := e.Miners.SetStatus(ctx, result.statusOnline, "online"); err != nil {
		util.Errorf("uptime: set status online for pool %s: %v", pool, err)
	}
	changedOffline, err := e.Miners.SetStatus(ctx, result.statusOffline, "offline")
	if err != nil {
		util.Errorf("uptime: set status offline for pool %s: %v", pool, err)
		return nil
	}
	if e.Notifier != nil {
		changedSet := make(map[int64]bool, len(changedOffline))
		for _, id := range changedOffline {
			changedSet[id] = true
		}
		for _, m := range result.offlineMiners {
			if changedSet[m.ID] {
				e.Notifier.NotifyOffline(pool, m.WorkerName, m.ID)
			}
		}
	}
	return nil
}
