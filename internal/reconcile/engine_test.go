package reconcile

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tos-network/uptimed/internal/coordinator"
	"github.com/tos-network/uptimed/internal/poolapi"
	"github.com/tos-network/uptimed/internal/slotclock"
	"github.com/tos-network/uptimed/internal/store"
)

// fakeMinerStore is an in-memory MinerStore for engine tests.
type fakeMinerStore struct {
	mu     sync.Mutex
	miners map[int64]*store.Miner
}

func newFakeMinerStore(miners ...store.Miner) *fakeMinerStore {
	s := &fakeMinerStore{miners: make(map[int64]*store.Miner)}
	for i := range miners {
		m := miners[i]
		s.miners[m.ID] = &m
	}
	return s
}

func (s *fakeMinerStore) SelectCandidates(ctx context.Context, pool string) ([]store.Miner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Miner
	for _, m := range s.miners {
		if m.Pool == pool {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeMinerStore) IncrementHours(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.miners[id]; ok && !store.IsMaintenanceStatus(m.Status) {
			m.TotalHorasOnline += 0.25
		}
	}
	return nil
}

func (s *fakeMinerStore) SetStatus(ctx context.Context, ids []int64, newStatus string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []int64
	for _, id := range ids {
		m, ok := s.miners[id]
		if !ok || store.IsMaintenanceStatus(m.Status) || m.Status == newStatus {
			continue
		}
		m.Status = newStatus
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *fakeMinerStore) get(id int64) store.Miner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.miners[id]
}

// fakeUptimeState is an in-memory UptimeState for engine tests.
type fakeUptimeState struct {
	mu         sync.Mutex
	lastOnline map[string]string
	candidate  map[string]string
	locks      map[string]bool
}

func newFakeUptimeState() *fakeUptimeState {
	return &fakeUptimeState{
		lastOnline: make(map[string]string),
		candidate:  make(map[string]string),
		locks:      make(map[string]bool),
	}
}

func stateKey(pool string, id int64) string {
	return pool + "|" + strconv.FormatInt(id, 10)
}

func (s *fakeUptimeState) AcquireSlotLock(ctx context.Context, pool, slot string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pool + "|" + slot
	if s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}

func (s *fakeUptimeState) LastOnline(ctx context.Context, pool string, id int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastOnline[stateKey(pool, id)]
	return v, ok, nil
}

func (s *fakeUptimeState) SetLastOnline(ctx context.Context, pool string, id int64, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOnline[stateKey(pool, id)] = slot
	return nil
}

func (s *fakeUptimeState) ClearLastOnline(ctx context.Context, pool string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastOnline, stateKey(pool, id))
	return nil
}

func (s *fakeUptimeState) OfflineCandidate(ctx context.Context, pool string, id int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.candidate[stateKey(pool, id)]
	return v, ok, nil
}

func (s *fakeUptimeState) SetOfflineCandidate(ctx context.Context, pool string, id int64, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate[stateKey(pool, id)] = slot
	return nil
}

func (s *fakeUptimeState) ClearOfflineCandidate(ctx context.Context, pool string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidate, stateKey(pool, id))
	return nil
}

// fakeAdapter returns a fixed, scriptable sequence of outcomes, one
// per ListWorkers call (the last entry repeats once exhausted).
type fakeAdapter struct {
	mu       sync.Mutex
	outcomes []poolapi.Outcome
	calls    int
}

func (a *fakeAdapter) ListWorkers(ctx context.Context, account, coin string, creds poolapi.Credentials) poolapi.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	if idx >= len(a.outcomes) {
		idx = len(a.outcomes) - 1
	}
	a.calls++
	return a.outcomes[idx]
}

func newEngineForTest(miners store.MinerStore, state store.UptimeState, pool string, adapter poolapi.Adapter, creds poolapi.RequiredCreds, now time.Time) *Engine {
	reg := poolapi.NewEmptyRegistry()
	reg.Register(pool, adapter, creds)
	return &Engine{
		Miners:   miners,
		State:    state,
		Registry: reg,
		Coord:    coordinator.New(),
		Health:   poolapi.NewHealthScore(3, time.Hour),
		Cfg:      DefaultConfig(),
		Now:      func() time.Time { return now },
	}
}

func TestScenario1HappyPathViaBTC(t *testing.T) {
	now := mustParse(t, "2026-08-01T10:00:00Z")
	miner := store.Miner{ID: 7, Pool: "viabtc", Coin: "BTC", WorkerName: "acct.worker001", APIKey: "k", Status: "online"}
	miners := newFakeMinerStore(miner)
	state := newFakeUptimeState()
	adapter := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker001", Hashrate: 50, StatusText: "active"}}},
	}}

	e := newEngineForTest(miners, state, "viabtc", adapter, poolapi.RequiredCreds{APIKey: true}, now)
	if err := e.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got := miners.get(7)
	if got.TotalHorasOnline != 0.25 {
		t.Errorf("TotalHorasOnline = %v, want 0.25", got.TotalHorasOnline)
	}
	if got.Status != "online" {
		t.Errorf("Status = %q, want unchanged online", got.Status)
	}
	slot, ok, _ := state.LastOnline(context.Background(), "viabtc", 7)
	if !ok || slot != slotclock.ID(now) {
		t.Errorf("lastOnline = %q, %v, want current slot", slot, ok)
	}
}

func TestScenario5MaintenanceImmunity(t *testing.T) {
	now := mustParse(t, "2026-08-01T10:00:00Z")
	miner := store.Miner{ID: 3, Pool: "viabtc", Coin: "BTC", WorkerName: "acct.worker002", APIKey: "k", Status: "maintenance", TotalHorasOnline: 10}
	miners := newFakeMinerStore(miner)
	state := newFakeUptimeState()
	adapter := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker002", Hashrate: 0, StatusText: "unactive"}}},
	}}

	e := newEngineForTest(miners, state, "viabtc", adapter, poolapi.RequiredCreds{APIKey: true}, now)
	if err := e.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got := miners.get(3)
	if got.TotalHorasOnline != 10 || got.Status != "maintenance" {
		t.Errorf("maintenance miner mutated: %+v", got)
	}
}

func TestScenario_SingleOfflineBlipDoesNotFlip(t *testing.T) {
	now := mustParse(t, "2026-08-01T10:00:00Z")
	miner := store.Miner{ID: 7, Pool: "viabtc", Coin: "BTC", WorkerName: "acct.worker001", APIKey: "k", Status: "online"}
	miners := newFakeMinerStore(miner)
	state := newFakeUptimeState()
	adapter := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker001", Hashrate: 0, StatusText: "unactive"}}},
	}}

	e := newEngineForTest(miners, state, "viabtc", adapter, poolapi.RequiredCreds{APIKey: true}, now)
	if err := e.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got := miners.get(7)
	if got.Status != "online" {
		t.Errorf("single offline observation flipped status to %q, want unchanged", got.Status)
	}
	if got.TotalHorasOnline != 0.25 {
		t.Errorf("expected GRACE billing credit on first offline candidate, got %v", got.TotalHorasOnline)
	}
	_, hasCandidate, _ := state.OfflineCandidate(context.Background(), "viabtc", 7)
	if !hasCandidate {
		t.Error("expected offlineCandidate to be set after first offline observation")
	}
}

func TestScenario3ConfirmedOfflineAcrossTwoSlots(t *testing.T) {
	state := newFakeUptimeState()
	miner := store.Miner{ID: 7, Pool: "viabtc", Coin: "BTC", WorkerName: "acct.worker001", APIKey: "k", Status: "online"}
	miners := newFakeMinerStore(miner)

	slot1 := mustParse(t, "2026-08-01T10:00:00Z")
	adapter1 := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker001", Hashrate: 0, StatusText: "unactive"}}},
	}}
	e1 := newEngineForTest(miners, state, "viabtc", adapter1, poolapi.RequiredCreds{APIKey: true}, slot1)
	if err := e1.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("tick1 error = %v", err)
	}
	if got := miners.get(7); got.Status != "online" {
		t.Fatalf("after 1st offline slot, status = %q, want unchanged online", got.Status)
	}

	slot2 := mustParse(t, "2026-08-01T10:30:00Z")
	adapter2 := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker001", Hashrate: 0, StatusText: "unactive"}}},
	}}
	e2 := newEngineForTest(miners, state, "viabtc", adapter2, poolapi.RequiredCreds{APIKey: true}, slot2)
	if err := e2.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("tick2 error = %v", err)
	}
	got := miners.get(7)
	if got.Status != "offline" {
		t.Errorf("after offline observations in 2 slots 30min apart, status = %q, want offline", got.Status)
	}
	_, hasCandidate, _ := state.OfflineCandidate(context.Background(), "viabtc", 7)
	if hasCandidate {
		t.Error("expected offlineCandidate cleared on confirmation")
	}
	_, hasLastOnline, _ := state.LastOnline(context.Background(), "viabtc", 7)
	if hasLastOnline {
		t.Error("expected lastOnline cleared on confirmation")
	}
}

func TestScenario_APIFailureNeverMarksOffline(t *testing.T) {
	now := mustParse(t, "2026-08-01T10:00:00Z")
	miner := store.Miner{ID: 7, Pool: "binance", Coin: "BTC", WorkerName: "acct.worker001", APIKey: "k", SecretKey: "s", Status: "online"}
	miners := newFakeMinerStore(miner)
	state := newFakeUptimeState()
	state.SetLastOnline(context.Background(), "binance", 7, slotclock.ID(now.Add(-15*time.Minute)))
	adapter := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: false, Reason: "geoblocked"},
	}}

	e := newEngineForTest(miners, state, "binance", adapter, poolapi.RequiredCreds{APIKey: true, SecretKey: true}, now)
	if err := e.Tick(context.Background(), "binance"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got := miners.get(7)
	if got.Status != "online" {
		t.Errorf("adapter failure changed status to %q, want unchanged", got.Status)
	}
	if got.TotalHorasOnline != 0.25 {
		t.Errorf("expected GRACE billing credit on adapter failure within window, got %v", got.TotalHorasOnline)
	}
}

func TestDedupeAtMostOneCreditPerSlot(t *testing.T) {
	now := mustParse(t, "2026-08-01T10:00:00Z")
	miner := store.Miner{ID: 7, Pool: "viabtc", Coin: "BTC", WorkerName: "acct.worker001", APIKey: "k", Status: "online"}
	miners := newFakeMinerStore(miner)
	state := newFakeUptimeState()

	reg := poolapi.NewEmptyRegistry()
	adapter := &fakeAdapter{outcomes: []poolapi.Outcome{
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker001", Hashrate: 50, StatusText: "active"}}},
		{Ok: true, Workers: []poolapi.Observation{{Name: "acct.worker001", Hashrate: 50, StatusText: "active"}}},
	}}
	reg.Register("viabtc", adapter, poolapi.RequiredCreds{APIKey: true})
	coord := coordinator.New()
	e := &Engine{
		Miners: miners, State: state, Registry: reg, Coord: coord,
		Health: poolapi.NewHealthScore(3, time.Hour), Cfg: DefaultConfig(),
		Now: func() time.Time { return now },
	}

	// Simulate one process ticking the same pool twice in the same slot
	// (slot lock cleared in between); the process-local coordinator must
	// still cap billing at one credit for the slot.
	if err := e.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("tick1 error = %v", err)
	}
	state.mu.Lock()
	state.locks = make(map[string]bool)
	state.mu.Unlock()
	if err := e.Tick(context.Background(), "viabtc"); err != nil {
		t.Fatalf("tick2 error = %v", err)
	}

	got := miners.get(7)
	if got.TotalHorasOnline != 0.25 {
		t.Errorf("TotalHorasOnline = %v, want exactly one 0.25 credit for the slot", got.TotalHorasOnline)
	}
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %s: %v", s, err)
	}
	return ts
}
