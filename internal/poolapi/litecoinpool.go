package poolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tos-network/uptimed/internal/httpx"
	"github.com/tos-network/uptimed/internal/nameutil"
)

const liteCoinPoolEndpoint = "https://www.litecoinpool.org/api"

type liteCoinPoolResponse struct {
	Workers map[string]struct {
		Connected bool    `json:"connected"`
		HashRate  float64 `json:"hash_rate"`
	} `json:"workers"`
}

// LiteCoinPool implements Adapter for the single-tenant LiteCoinPool API.
type LiteCoinPool struct {
	client   *httpx.Client
	endpoint string
}

// NewLiteCoinPool builds a LiteCoinPool adapter using the shared HTTP client.
func NewLiteCoinPool(client *httpx.Client) *LiteCoinPool {
	return &LiteCoinPool{client: client, endpoint: liteCoinPoolEndpoint}
}

// ListWorkers ignores account/coin: LiteCoinPool is keyed by api_key
// alone, one account per key.
func (a *LiteCoinPool) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Outcome {
	url := fmt.Sprintf("%s?api_key=%s", a.endpoint, creds.APIKey)
	out := a.client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: url})
	if out.Err != nil || out.StatusCode != http.StatusOK {
		return Outcome{Ok: false, Endpoint: a.endpoint, Reason: "transport_or_http"}
	}
	var resp liteCoinPoolResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Outcome{Ok: false, Endpoint: a.endpoint, Reason: "schema"}
	}
	workers := make([]Observation, 0, len(resp.Workers))
	for fullname, w := range resp.Workers {
		hashrate := w.HashRate * 1000 // kH -> H
		var aliveHint *float64
		if w.Connected {
			one := 1.0
			aliveHint = &one
		}
		workers = append(workers, Observation{
			Name:      fullname,
			Hashrate:  hashrate,
			AliveHint: aliveHint,
		})
	}
	return Outcome{Ok: true, Workers: workers, Endpoint: a.endpoint}
}

// matchLiteCoinPool prefers an exact worker_name match before falling
// back to Tail, since LiteCoinPool reports fully-qualified names.
func matchLiteCoinPool(observed Observation, minerWorkerName string) bool {
	if observed.Name == minerWorkerName {
		return true
	}
	return nameutil.Tail(observed.Name) == nameutil.Tail(minerWorkerName)
}
