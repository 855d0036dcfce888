package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	c.OrderDiscovered("queue")
	c.OrderSkipped("unprofitable")
	c.OrderFilled(1)
	c.FillFailed("transient")
	c.Withdrawal("src", "ok")
	c.WithdrawAttempt("dst", "ok")
	c.SecretStored("index")
	c.SetSecretStats(1, 2, 3)
	c.SwapTransition("COMPLETED")
	c.SwapStuck()
	c.SetPendingSwaps(4)
	c.ObserveTick(time.Second)
	if c.Registry() != nil {
		t.Error("Registry() on nil collectors should be nil")
	}
}

func scrape(t *testing.T, c *Collectors) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestCounters(t *testing.T) {
	c := New(nil)

	c.OrderDiscovered("queue")
	c.OrderDiscovered("queue")
	c.OrderDiscovered("index")
	c.OrderFilled(137)
	c.SetSecretStats(3, 1, 0)
	c.SetPendingSwaps(7)
	c.ObserveTick(20 * time.Millisecond)

	out := scrape(t, c)
	for _, want := range []string{
		`resolver_orders_discovered_total{source="queue"} 2`,
		`resolver_orders_discovered_total{source="index"} 1`,
		`resolver_orders_filled_total{chain_id="137"} 1`,
		`resolver_secrets{status="pending"} 3`,
		`resolver_pending_swaps 7`,
		`resolver_ticks_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandler(t *testing.T) {
	c := New(nil)
	c.SwapStuck()

	if out := scrape(t, c); !strings.Contains(out, "resolver_swaps_stuck_total 1") {
		t.Errorf("metrics output missing stuck counter:\n%s", out)
	}
}
