package metrics

import (
	"testing"
	"time"
)

func TestLatencyWindow(t *testing.T) {
	lw := NewLatencyWindow(100)

	for i := 0; i < 99; i++ {
		if _, full := lw.Observe(time.Duration(i+1) * time.Millisecond); full {
			t.Fatalf("expected window to be not full after %d samples, but it is", i+1)
		}
	}

	st, full := lw.Observe(100 * time.Millisecond)
	if !full {
		t.Fatalf("expected window to be full after %d samples, but it is not", 100)
	}
	if st.Window != 100 {
		t.Fatalf("expected window size %d, but got %d", 100, st.Window)
	}
	// samples are 1..100ms
	if expected := 50500 * time.Microsecond; st.Avg != expected {
		t.Fatalf("expected avg %s, but got %s", expected, st.Avg)
	}
	if expected := 51 * time.Millisecond; st.Median != expected {
		t.Fatalf("expected median %s, but got %s", expected, st.Median)
	}
	if expected := 96 * time.Millisecond; st.P95 != expected {
		t.Fatalf("expected p95 %s, but got %s", expected, st.P95)
	}
	if expected := 100 * time.Millisecond; st.P99 != expected {
		t.Fatalf("expected p99 %s, but got %s", expected, st.P99)
	}

	// the window resets after reporting
	if _, full := lw.Observe(time.Millisecond); full {
		t.Fatalf("expected window to be not full after reset, but it is")
	}
}
