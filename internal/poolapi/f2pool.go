package poolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tos-network/uptimed/internal/httpx"
)

const f2PoolEndpoint = "https://api.f2pool.com/v2/hash_rate/worker/list"

var f2PoolCoinSlug = map[string]string{
	"BTC": "bitcoin", "BCH": "bitcoin-cash", "BSV": "bitcoin-sv",
	"LTC": "litecoin", "KAS": "kaspa", "CFX": "conflux",
	"ETC": "ethereum-classic", "DASH": "dash", "SC": "sia",
}

const f2PoolOnlineWindow = 90 * time.Minute

type f2PoolRequest struct {
	Currency       string `json:"currency"`
	MiningUserName string `json:"mining_user_name"`
	Page           int    `json:"page"`
	Size           int    `json:"size"`
}

type f2PoolResponse struct {
	Code         int `json:"code"`
	HashRateInfo []struct {
		Name        string  `json:"name"`
		Username    string  `json:"username"`
		WorkerName  string  `json:"worker_name"`
		HashRate    float64 `json:"hash_rate"`
		LastShareAt int64   `json:"last_share_at"`
		Status      int     `json:"status"`
	} `json:"hash_rate_info"`
}

// F2Pool implements Adapter for the F2Pool v2 worker list API.
type F2Pool struct {
	client   *httpx.Client
	endpoint string
	now      func() time.Time
}

// NewF2Pool builds an F2Pool adapter using the shared HTTP client.
func NewF2Pool(client *httpx.Client) *F2Pool {
	return &F2Pool{client: client, endpoint: f2PoolEndpoint, now: time.Now}
}

func f2PoolSlug(coin string) string {
	coin = strings.ToUpper(coin)
	if slug, ok := f2PoolCoinSlug[coin]; ok {
		return slug
	}
	return strings.ToLower(coin)
}

// ListWorkers posts the account's worker list request, requiring both
// HTTP 200 and a logical code of 0.
func (a *F2Pool) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Outcome {
	payload, err := json.Marshal(f2PoolRequest{
		Currency:       f2PoolSlug(coin),
		MiningUserName: account,
		Page:           1,
		Size:           200,
	})
	if err != nil {
		return Outcome{Ok: false, Reason: "schema"}
	}
	out := a.client.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    a.endpoint,
		Headers: map[string]string{
			"F2P-API-SECRET": creds.APIKey,
			"Content-Type":   "application/json",
		},
		Body: func() io.Reader { return bytes.NewReader(payload) },
	})
	if out.Err != nil || out.StatusCode != http.StatusOK {
		return Outcome{Ok: false, Endpoint: a.endpoint, Reason: "transport_or_http"}
	}
	var resp f2PoolResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Outcome{Ok: false, Endpoint: a.endpoint, Reason: "schema"}
	}
	if resp.Code != 0 {
		return Outcome{Ok: false, Endpoint: a.endpoint, Reason: "logical_code"}
	}
	nowMs := a.now().UnixMilli()
	workers := make([]Observation, 0, len(resp.HashRateInfo))
	for _, w := range resp.HashRateInfo {
		name := w.Name
		if name == "" {
			name = w.WorkerName
		}
		if name == "" {
			name = w.Username
		}
		lastShareMs := normalizeF2PoolTimestamp(w.LastShareAt)
		obs := Observation{
			Name:        name,
			Hashrate:    w.HashRate,
			LastShareMs: lastShareMs,
		}
		if w.HashRate <= 0 && lastShareMs > 0 && nowMs-lastShareMs < f2PoolOnlineWindow.Milliseconds() {
			one := 1.0
			obs.AliveHint = &one
		}
		// status==1 forces offline only when hashrate is also zero.
		if w.Status == 1 && w.HashRate <= 0 {
			obs.AliveHint = nil
			obs.StatusText = "inactive"
		}
		workers = append(workers, obs)
	}
	return Outcome{Ok: true, Workers: workers, Endpoint: a.endpoint}
}

// normalizeF2PoolTimestamp accepts either seconds or milliseconds
// epoch values, per F2Pool's inconsistent payloads.
func normalizeF2PoolTimestamp(v int64) int64 {
	if v <= 0 {
		return 0
	}
	if v < 1e11 {
		return v * 1000
	}
	return v
}
