package poolapi

import (
	"testing"
	"time"
)

func TestHealthScoreCrossesThreshold(t *testing.T) {
	h := NewHealthScore(3, time.Hour)
	if h.RecordFailure("viabtc") {
		t.Error("should not cross threshold on 1st failure")
	}
	if h.RecordFailure("viabtc") {
		t.Error("should not cross threshold on 2nd failure")
	}
	if !h.RecordFailure("viabtc") {
		t.Error("should cross threshold on 3rd failure")
	}
	if !h.Degraded("viabtc") {
		t.Error("expected pool to be degraded")
	}
}

func TestHealthScoreSuccessResets(t *testing.T) {
	h := NewHealthScore(2, time.Hour)
	h.RecordFailure("f2pool")
	h.RecordFailure("f2pool")
	if !h.Degraded("f2pool") {
		t.Fatal("expected degraded before success")
	}
	h.RecordSuccess("f2pool")
	if h.Degraded("f2pool") {
		t.Error("expected success to clear streak")
	}
}

func TestHealthScoreIndependentPerPool(t *testing.T) {
	h := NewHealthScore(1, time.Hour)
	h.RecordFailure("binance")
	if h.Degraded("litecoinpool") {
		t.Error("pools should track independently")
	}
}
