package metrics

import (
	"math"
	"testing"
	"time"
)

func operationSeries(t *testing.T, r *Registry, op string) HistogramSnapshot {
	t.Helper()
	for _, h := range r.Snapshot().Histograms {
		if h.Name == SeriesName(SeriesOperation, op) {
			return h
		}
	}
	t.Fatalf("no latency series for %s", op)
	return HistogramSnapshot{}
}

func TestOperationSeriesSplitsByOutcome(t *testing.T) {
	r := NewRegistry()
	r.ObserveOperation("ExecuteTransaction", "ok", 2*time.Millisecond)
	r.ObserveOperation("ExecuteTransaction", "not_enough_signers", 300*time.Microsecond)
	r.ObserveOperation("ExecuteTransaction", "dispatch_failed", 1500*time.Millisecond)
	r.ObserveOperation("Approve", "ok", time.Millisecond)

	exec := operationSeries(t, r, "ExecuteTransaction")
	if exec.Kind != SeriesOperation || exec.Series != "ExecuteTransaction" {
		t.Fatalf("series not split into kind and name: %+v", exec)
	}
	if exec.Count != 3 || exec.Failed != 2 {
		t.Fatalf("count=%d failed=%d, want 3 and 2", exec.Count, exec.Failed)
	}
	want := (2*time.Millisecond + 300*time.Microsecond + 1500*time.Millisecond).Seconds()
	if math.Abs(exec.Sum-want) > 1e-9 {
		t.Fatalf("sum = %f, want %f", exec.Sum, want)
	}
	if approve := operationSeries(t, r, "Approve"); approve.Count != 1 || approve.Failed != 0 {
		t.Fatalf("unexpected approve series: %+v", approve)
	}
}

func TestBucketsAreCumulative(t *testing.T) {
	r := NewRegistry()
	r.ObserveOperation("ProposeTransaction", "ok", 400*time.Microsecond)
	r.ObserveOperation("ProposeTransaction", "ok", 4*time.Millisecond)
	r.ObserveOperation("ProposeTransaction", "ok", 40*time.Millisecond)

	snap := operationSeries(t, r, "ProposeTransaction")
	cases := map[float64]int64{0.0005: 1, 0.001: 1, 0.005: 2, 0.025: 2, 0.05: 3, 5: 3}
	for _, b := range snap.Buckets {
		if want, ok := cases[b.Le]; ok && b.Count != want {
			t.Fatalf("bucket le=%g count=%d, want %d", b.Le, b.Count, want)
		}
	}
	for i := 1; i < len(snap.Buckets); i++ {
		if snap.Buckets[i].Count < snap.Buckets[i-1].Count {
			t.Fatalf("buckets not cumulative: %+v", snap.Buckets)
		}
	}
}

func TestOperationPercentiles(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 90; i++ {
		r.ObserveOperation("SignGuardianAction", "ok", 3*time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		r.ObserveOperation("SignGuardianAction", "ok", 200*time.Millisecond)
	}
	snap := operationSeries(t, r, "SignGuardianAction")
	if snap.P50 != 0.005 {
		t.Fatalf("p50 = %g, want 0.005", snap.P50)
	}
	if snap.P95 != 0.25 || snap.P99 != 0.25 {
		t.Fatalf("p95=%g p99=%g, want 0.25", snap.P95, snap.P99)
	}
	if got := r.Histograms.Get("op:SignGuardianAction").Percentile(0.5); got != 0.005 {
		t.Fatalf("percentile = %g, want 0.005", got)
	}
}

func TestSlowRelayOverflowsBuckets(t *testing.T) {
	r := NewRegistry()
	r.ObserveOperation("OwnerInvoke", "dispatch_failed", 30*time.Second)
	snap := operationSeries(t, r, "OwnerInvoke")
	if last := snap.Buckets[len(snap.Buckets)-1]; last.Count != 0 {
		t.Fatalf("overflow counted in finite bucket: %+v", last)
	}
	if !math.IsInf(snap.P50, 1) {
		t.Fatalf("p50 = %g, want +Inf", snap.P50)
	}
}

func TestEmptySeries(t *testing.T) {
	h := NewHistogram("op:LockWallet")
	if p := h.Percentile(0.5); p != 0 {
		t.Fatalf("empty percentile = %g", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 || snap.P99 != 0 {
		t.Fatalf("unexpected empty snapshot: %+v", snap)
	}
}

func TestRegistryReusesSeries(t *testing.T) {
	reg := NewHistogramRegistry()
	if reg.Get("op:Approve") != reg.Get("op:Approve") {
		t.Fatal("Get must return the same series")
	}
	reg.ObserveDuration("op:Unapprove", time.Millisecond)
	reg.ObserveDuration("http:GET /v1/policy", time.Millisecond)
	snaps := reg.Snapshots()
	if len(snaps) != 3 || snaps[0].Kind != SeriesEndpoint || snaps[2].Series != "Unapprove" {
		t.Fatalf("unexpected order: %+v", snaps)
	}
}
