package poolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tos-network/uptimed/internal/httpx"
)

const viaBTCEndpoint = "https://www.viabtc.net/res/openapi/v1/hashrate/worker"

type viaBTCEnvelope struct {
	Code int `json:"code"`
	Data struct {
		Data []viaBTCWorker `json:"data"`
	} `json:"data"`
}

type viaBTCWorker struct {
	WorkerName   string  `json:"worker_name"`
	Hashrate10m  float64 `json:"hashrate_10min"`
	WorkerStatus string  `json:"worker_status"`
}

// ViaBTC implements Adapter for the ViaBTC open API.
type ViaBTC struct {
	client   *httpx.Client
	endpoint string
}

// NewViaBTC builds a ViaBTC adapter using the shared HTTP client.
func NewViaBTC(client *httpx.Client) *ViaBTC {
	return &ViaBTC{client: client, endpoint: viaBTCEndpoint}
}

// ListWorkers fetches the account's worker hashrate list and, when the
// first response reports any worker offline, fetches it a second time,
// merging the two calls so a single transient offline blip does not
// shadow a worker the second call reports online — per-group noise
// reduction, not a per-miner retry.
func (a *ViaBTC) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Outcome {
	first, ok := a.fetch(ctx, coin, creds)
	if !ok {
		return Outcome{Ok: false, Endpoint: a.endpoint, Reason: "transport_or_schema"}
	}
	if !anyOffline(first) {
		return Outcome{Ok: true, Workers: first, Endpoint: a.endpoint}
	}
	second, ok := a.fetch(ctx, coin, creds)
	if !ok {
		return Outcome{Ok: true, Workers: first, Endpoint: a.endpoint}
	}
	return Outcome{Ok: true, Workers: mergeOnlineWins(first, second), Endpoint: a.endpoint}
}

func (a *ViaBTC) fetch(ctx context.Context, coin string, creds Credentials) ([]Observation, bool) {
	url := fmt.Sprintf("%s?coin=%s", a.endpoint, coin)
	out := a.client.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: map[string]string{"X-API-KEY": creds.APIKey},
	})
	if out.Err != nil || out.StatusCode != http.StatusOK {
		return nil, false
	}
	var env viaBTCEnvelope
	if err := json.Unmarshal(out.Body, &env); err != nil {
		return nil, false
	}
	if env.Code != 0 {
		return nil, false
	}
	workers := make([]Observation, 0, len(env.Data.Data))
	for _, w := range env.Data.Data {
		workers = append(workers, Observation{
			Name:       w.WorkerName,
			Hashrate:   w.Hashrate10m,
			StatusText: w.WorkerStatus,
		})
	}
	return workers, true
}

func anyOffline(obs []Observation) bool {
	for _, o := range obs {
		if !IsOnline(o) {
			return true
		}
	}
	return false
}

// mergeOnlineWins combines two observation rounds of the same
// account: a worker present in either round as online stays online.
func mergeOnlineWins(first, second []Observation) []Observation {
	byName := make(map[string]Observation, len(first))
	for _, o := range first {
		byName[o.Name] = o
	}
	for _, o := range second {
		existing, ok := byName[o.Name]
		if !ok {
			byName[o.Name] = o
			continue
		}
		if IsOnline(o) && !IsOnline(existing) {
			byName[o.Name] = o
		}
	}
	merged := make([]Observation, 0, len(byName))
	for _, o := range byName {
		merged = append(merged, o)
	}
	return merged
}
