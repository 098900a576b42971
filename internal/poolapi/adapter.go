// Package poolapi translates each mining pool's native HTTP API into a
// uniform worker observation list.
package poolapi

import (
	"context"
	"strings"

	"github.com/tos-network/uptimed/internal/nameutil"
)

// Observation is the adapter-normalised fact about one worker, as
// reported by a single pool API call.
type Observation struct {
	Name        string
	Hashrate    float64
	AliveHint   *float64
	StatusText  string
	LastShareMs int64
}

// Credentials holds the subset of a miner's credential columns an
// adapter needs to make its API call.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Outcome is the result of one listWorkers call. Ok=false means the
// call failed outright (transport, logical, schema, geoblock, or auth
// error) and the caller must not treat an empty Workers list as "the
// pool reports zero workers".
type Outcome struct {
	Ok       bool
	Workers  []Observation
	Endpoint string
	Reason   string
	Diag     string
}

// Adapter is the contract every pool-specific client implements.
type Adapter interface {
	ListWorkers(ctx context.Context, account, coin string, creds Credentials) Outcome
}

var positiveLabels = map[string]bool{
	"active": true, "online": true, "alive": true, "running": true,
	"up": true, "ok": true, "connected": true, "working": true,
	"ativo": true, "ligado": true, "ativa": true,
}

var negativeLabels = map[string]bool{
	"unactive": true, "inactive": true, "offline": true, "down": true,
	"dead": true, "parado": true, "desligado": true, "inativa": true,
}

// IsOnline applies the common online-determination rule: positive
// hashrate wins outright; otherwise a negative label forces offline,
// a positive label or a positive alive hint force online, and
// anything else is offline.
func IsOnline(o Observation) bool {
	if o.Hashrate > 0 {
		return true
	}
	label := strings.ToLower(strings.TrimSpace(o.StatusText))
	if negativeLabels[label] {
		return false
	}
	if positiveLabels[label] {
		return true
	}
	if o.AliveHint != nil && *o.AliveHint > 0 {
		return true
	}
	return false
}

// MatchWorker reports whether observed refers to the same worker as
// minerWorkerName, applying the pool-specific matching rule when one
// exists and falling back to the generic Tail/TailKey rule otherwise.
func MatchWorker(pool string, observed Observation, minerWorkerName string) bool {
	if normalize(pool) == "litecoinpool" {
		return matchLiteCoinPool(observed, minerWorkerName)
	}
	return nameutil.Matches(observed.Name, minerWorkerName)
}
