package health

import "testing"

func TestStatusTransitions(t *testing.T) {
	m := New(nil, 0, 0, "", "", "", nil)
	m.statuses["o"] = &OriginHealth{URL: "o", Status: StatusUnknown}

	recordSuccess := func() {
		m.mu.Lock()
		h := m.statuses["o"]
		h.TotalChecks++
		h.ConsecutiveFailures = 0
		if h.Status == StatusUnknown || h.Status == StatusUnhealthy {
			h.Status = StatusHealthy
		}
		m.mu.Unlock()
	}
	recordFailure := func() {
		m.mu.Lock()
		h := m.statuses["o"]
		h.TotalChecks++
		h.TotalFailures++
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= 3 {
			h.Status = StatusUnhealthy
		}
		m.mu.Unlock()
	}

	recordSuccess()
	if s, _ := m.Snapshot("o"); s.Status != StatusHealthy {
		t.Fatalf("unknown->healthy on first success, got %s", s.Status)
	}

	recordFailure()
	recordFailure()
	if s, _ := m.Snapshot("o"); s.Status != StatusHealthy {
		t.Fatalf("should still be healthy after only 2 failures, got %s", s.Status)
	}
	recordFailure()
	if s, _ := m.Snapshot("o"); s.Status != StatusUnhealthy {
		t.Fatalf("healthy->unhealthy after 3 consecutive failures, got %s", s.Status)
	}

	recordSuccess()
	if s, _ := m.Snapshot("o"); s.Status != StatusHealthy {
		t.Fatalf("unhealthy->healthy after 1 success, got %s", s.Status)
	}
}
