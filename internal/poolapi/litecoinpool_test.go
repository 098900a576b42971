package poolapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tos-network/uptimed/internal/httpx"
)

func TestLiteCoinPoolHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "abc" {
			t.Errorf("missing api_key query param")
		}
		w.Write([]byte(`{"workers":{"acct.worker001":{"connected":true,"hash_rate":5.5}}}`))
	}))
	defer srv.Close()

	a := &LiteCoinPool{client: httpx.New(2 * time.Second), endpoint: srv.URL}
	out := a.ListWorkers(context.Background(), "acct", "LTC", Credentials{APIKey: "abc"})
	if !out.Ok {
		t.Fatalf("expected Ok outcome")
	}
	if len(out.Workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(out.Workers))
	}
	w := out.Workers[0]
	if w.Hashrate != 5500 {
		t.Errorf("Hashrate = %v, want 5500 (kH->H)", w.Hashrate)
	}
	if !IsOnline(w) {
		t.Error("expected worker online")
	}
}

func TestLiteCoinPoolSchemaFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	a := &LiteCoinPool{client: httpx.New(2 * time.Second), endpoint: srv.URL}
	out := a.ListWorkers(context.Background(), "acct", "LTC", Credentials{APIKey: "abc"})
	if out.Ok {
		t.Fatalf("expected Fail on unparseable body")
	}
}

func TestMatchLiteCoinPoolExactThenTail(t *testing.T) {
	if !matchLiteCoinPool(Observation{Name: "acct.worker001"}, "acct.worker001") {
		t.Error("expected exact match")
	}
	if !matchLiteCoinPool(Observation{Name: "other.worker001"}, "acct.worker001") {
		t.Error("expected tail fallback match")
	}
}
