package poolapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tos-network/uptimed/internal/httpx"
)

var binanceCoinAlgo = map[string]string{
	"BTC": "sha256", "LTC": "scrypt", "KAS": "kHeavyHash", "KASPA": "kHeavyHash",
}

const binancePageSize = 200

// DetailLookup is an optional capability an adapter can implement to
// fetch a single worker by name when a group's paged listing doesn't
// mention it. The Reconciliation Engine probes for this via type
// assertion; most adapters don't need it.
type DetailLookup interface {
	WorkerDetail(ctx context.Context, account, coin string, creds Credentials, workerName string) (Observation, bool)
}

// Binance implements Adapter (and DetailLookup) for the Binance Pool
// signed mining API, including multi-base-host geoblock avoidance.
type Binance struct {
	client       *httpx.Client
	baseOverride string
	candidates   []string
	now          func() time.Time
}

// NewBinance builds a Binance adapter. baseOverride, if non-empty,
// takes priority over the default candidate list.
func NewBinance(client *httpx.Client, baseOverride string) *Binance {
	return &Binance{
		client:       client,
		baseOverride: baseOverride,
		candidates:   []string{"api", "api1", "api2", "api3"},
		now:          time.Now,
	}
}

func coinAlgo(coin string) (string, bool) {
	algo, ok := binanceCoinAlgo[normalizeBinanceCoin(coin)]
	return algo, ok
}

func normalizeBinanceCoin(coin string) string {
	return toUpperASCII(coin)
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// selectBase probes each candidate base host's exchangeInfo endpoint
// and returns the first that answers 2xx, skipping geoblocked (451)
// ones. Mirrors a health-probe-then-pick-first-healthy pattern, run
// fresh each tick rather than via a background health loop.
func (a *Binance) selectBase(ctx context.Context) (string, string) {
	if a.baseOverride != "" {
		return fmt.Sprintf("https://%s", a.baseOverride), ""
	}
	sawGeoblock := false
	for _, cand := range a.candidates {
		base := fmt.Sprintf("https://%s.binance.com", cand)
		out := a.client.Do(ctx, httpx.Request{
			Method: http.MethodGet,
			URL:    base + "/api/v3/exchangeInfo",
		})
		if out.Err != nil {
			continue
		}
		if out.StatusCode == http.StatusUnavailableForLegalReasons {
			sawGeoblock = true
			continue
		}
		if out.StatusCode >= 200 && out.StatusCode < 300 {
			return base, ""
		}
	}
	if sawGeoblock {
		return "", "geoblocked"
	}
	return "", "transport"
}

func (a *Binance) sign(params url.Values, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Binance) signedGet(ctx context.Context, base, path string, params url.Values, creds Credentials) *httpx.Outcome {
	params.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
	params.Set("recvWindow", "30000")
	sig := a.sign(params, creds.SecretKey)
	fullURL := fmt.Sprintf("%s%s?%s&signature=%s", base, path, params.Encode(), sig)
	return a.client.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     fullURL,
		Headers: map[string]string{"X-MBX-APIKEY": creds.APIKey},
	})
}

type binanceErrorEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// recoverClockSkew fetches server time and retries the same request
// once with a corrected timestamp, per Binance's -1021 contract.
func (a *Binance) recoverClockSkew(ctx context.Context, base, path string, params url.Values, creds Credentials) *httpx.Outcome {
	timeOut := a.client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: base + "/api/v3/time"})
	if timeOut.Err != nil || timeOut.StatusCode != http.StatusOK {
		return timeOut
	}
	var st struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(timeOut.Body, &st); err != nil {
		return timeOut
	}
	skew := st.ServerTime - a.now().UnixMilli()
	adjustedNow := func() time.Time { return time.UnixMilli(a.now().UnixMilli() + skew) }
	saved := a.now
	a.now = adjustedNow
	defer func() { a.now = saved }()
	return a.signedGet(ctx, base, path, params, creds)
}

type binanceWorkerListResponse struct {
	Code int `json:"code"`
	Data struct {
		WorkerDatas []struct {
			WorkerName string  `json:"workerName"`
			Status     int     `json:"status"`
			HashRate   float64 `json:"hashRate"`
		} `json:"workerDatas"`
	} `json:"data"`
}

// ListWorkers selects a reachable base host, then pages the signed
// worker list until a short page signals the end.
func (a *Binance) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Outcome {
	algo, ok := coinAlgo(coin)
	if !ok {
		return Outcome{Ok: false, Reason: "unsupported_coin"}
	}
	base, reason := a.selectBase(ctx)
	if base == "" {
		return Outcome{Ok: false, Reason: reason}
	}

	var workers []Observation
	pageIndex := 1
	for {
		params := url.Values{}
		params.Set("algo", algo)
		params.Set("userName", account)
		params.Set("pageIndex", strconv.Itoa(pageIndex))
		params.Set("sort", "0")
		params.Set("pageSize", strconv.Itoa(binancePageSize))

		out := a.signedGet(ctx, base, "/sapi/v1/mining/worker/list", params, creds)
		if out.Err != nil {
			return Outcome{Ok: false, Endpoint: base, Reason: "transport"}
		}
		var resp binanceWorkerListResponse
		if err := json.Unmarshal(out.Body, &resp); err == nil && resp.Code == -1021 {
			retryParams := url.Values{}
			retryParams.Set("algo", algo)
			retryParams.Set("userName", account)
			retryParams.Set("pageIndex", strconv.Itoa(pageIndex))
			retryParams.Set("sort", "0")
			retryParams.Set("pageSize", strconv.Itoa(binancePageSize))
			out = a.recoverClockSkew(ctx, base, "/sapi/v1/mining/worker/list", retryParams, creds)
		}
		if out.Err != nil || out.StatusCode != http.StatusOK {
			return Outcome{Ok: false, Endpoint: base, Reason: "transport_or_http"}
		}
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return Outcome{Ok: false, Endpoint: base, Reason: "schema"}
		}
		if resp.Code != 0 {
			return Outcome{Ok: false, Endpoint: base, Reason: "logical_code"}
		}
		page := resp.Data.WorkerDatas
		for _, w := range page {
			workers = append(workers, Observation{
				Name:       w.WorkerName,
				Hashrate:   w.HashRate,
				StatusText: binanceStatusText(w.Status),
			})
		}
		if len(page) < binancePageSize {
			break
		}
		pageIndex++
	}
	return Outcome{Ok: true, Workers: workers, Endpoint: base}
}

func binanceStatusText(status int) string {
	if status == 1 {
		return "active"
	}
	return ""
}

// WorkerDetail fulfils DetailLookup: fetch a single worker by name
// when it didn't appear in the paged list for its group.
func (a *Binance) WorkerDetail(ctx context.Context, account, coin string, creds Credentials, workerName string) (Observation, bool) {
	algo, ok := coinAlgo(coin)
	if !ok {
		return Observation{}, false
	}
	base, reason := a.selectBase(ctx)
	if base == "" || reason != "" {
		return Observation{}, false
	}
	params := url.Values{}
	params.Set("workerName", workerName)
	params.Set("algo", algo)
	out := a.signedGet(ctx, base, "/sapi/v1/mining/worker/detail", params, creds)
	if out.Err != nil || out.StatusCode != http.StatusOK {
		return Observation{}, false
	}
	var resp struct {
		Code int `json:"code"`
		Data []struct {
			WorkerName string  `json:"workerName"`
			Status     int     `json:"status"`
			HashRate   float64 `json:"hashRate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil || resp.Code != 0 || len(resp.Data) == 0 {
		return Observation{}, false
	}
	w := resp.Data[0]
	return Observation{
		Name:       w.WorkerName,
		Hashrate:   w.HashRate,
		StatusText: binanceStatusText(w.Status),
	}, true
}
