package poolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tos-network/uptimed/internal/httpx"
)

const miningDutchBase = "https://www.mining-dutch.nl/pools"

var miningDutchAlgoSlug = map[string]string{
	"BTC": "sha256",
	"LTC": "scrypt",
	"DOGE": "scrypt",
}

var miningDutchCoinSlug = map[string]string{
	"BTC":  "bitcoin",
	"LTC":  "litecoin",
	"DOGE": "dogecoin",
}

var miningDutchOppositeAlgoSlug = map[string]string{
	"sha256": "scrypt",
	"scrypt": "sha256",
}

// MiningDutch implements Adapter for the MiningDutch multi-pool API.
type MiningDutch struct {
	client *httpx.Client
	base   string
}

// NewMiningDutch builds a MiningDutch adapter using the shared HTTP client.
func NewMiningDutch(client *httpx.Client) *MiningDutch {
	return &MiningDutch{client: client, base: miningDutchBase}
}

func (a *MiningDutch) slugCandidates(coin string) []string {
	coin = strings.ToUpper(coin)
	var candidates []string
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			candidates = append(candidates, s)
		}
	}
	algo := miningDutchAlgoSlug[coin]
	add(algo)
	add(miningDutchCoinSlug[coin])
	add(miningDutchOppositeAlgoSlug[algo])
	return candidates
}

// ListWorkers tries each coin-derived slug in turn (algo, coin name,
// opposite algo) and returns the first that parses successfully.
func (a *MiningDutch) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Outcome {
	slugs := a.slugCandidates(coin)
	if len(slugs) == 0 {
		return Outcome{Ok: false, Reason: "unsupported_coin"}
	}
	var lastEndpoint string
	for _, slug := range slugs {
		url := fmt.Sprintf("%s/%s.php?page=api&action=getuserworkers&id=%s&api_key=%s", a.base, slug, account, creds.APIKey)
		lastEndpoint = url
		out := a.client.Do(ctx, httpx.Request{Method: http.MethodGet, URL: url})
		if out.Err != nil || out.StatusCode != http.StatusOK {
			continue
		}
		workers, ok := parseMiningDutchBody(out.Body)
		if !ok {
			continue
		}
		return Outcome{Ok: true, Workers: workers, Endpoint: url}
	}
	return Outcome{Ok: false, Endpoint: lastEndpoint, Reason: "schema_or_transport"}
}

// parseMiningDutchBody tolerates the four observed envelope shapes:
// {getuserworkers:{data:{miners|workers}}}, {data:{workers}},
// {workers}, {data}; each container may be an array or a string-keyed
// map.
func parseMiningDutchBody(body []byte) ([]Observation, bool) {
	var root map[string]interface{}
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, false
	}

	container := findMiningDutchContainer(root)
	if container == nil {
		return nil, false
	}

	switch v := container.(type) {
	case []interface{}:
		workers := make([]Observation, 0, len(v))
		for _, item := range v {
			if obs, ok := miningDutchEntryToObservation("", item); ok {
				workers = append(workers, obs)
			}
		}
		return workers, true
	case map[string]interface{}:
		workers := make([]Observation, 0, len(v))
		for key, item := range v {
			if obs, ok := miningDutchEntryToObservation(key, item); ok {
				workers = append(workers, obs)
			}
		}
		return workers, true
	default:
		return nil, false
	}
}

func findMiningDutchContainer(root map[string]interface{}) interface{} {
	if gw, ok := root["getuserworkers"].(map[string]interface{}); ok {
		if data, ok := gw["data"].(map[string]interface{}); ok {
			if m, ok := data["miners"]; ok {
				return m
			}
			if m, ok := data["workers"]; ok {
				return m
			}
		}
	}
	if data, ok := root["data"].(map[string]interface{}); ok {
		if w, ok := data["workers"]; ok {
			return w
		}
	}
	if w, ok := root["workers"]; ok {
		return w
	}
	if data, ok := root["data"]; ok {
		return data
	}
	return nil
}

func miningDutchEntryToObservation(key string, raw interface{}) (Observation, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Observation{}, false
	}
	name := key
	for _, k := range []string{"worker", "name", "username"} {
		if s, ok := m[k].(string); ok && s != "" {
			name = s
			break
		}
	}
	if name == "" {
		return Observation{}, false
	}
	obs := Observation{Name: name}
	if hr, ok := numField(m, "hashrate"); ok {
		obs.Hashrate = hr
	}
	if alive, ok := numField(m, "alive"); ok {
		obs.AliveHint = &alive
	}
	if status, ok := m["status_text"].(string); ok {
		obs.StatusText = status
	} else if status, ok := m["status"].(string); ok {
		obs.StatusText = status
	}
	return obs, true
}

func numField(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
