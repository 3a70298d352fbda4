package router

import "testing"

func TestResolveLongestPrefixWins(t *testing.T) {
	r := NewOrdered([]Route{
		{Pattern: "/api/*", Origin: "https://api"},
		{Pattern: "/api/v2/*", Origin: "https://api-v2"},
	}, "https://fallback")

	origin, pattern, err := r.Resolve("/api/v2/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if origin != "https://api-v2" || pattern != "/api/v2/*" {
		t.Fatalf("expected the more specific /api/v2/* to win, got origin=%s pattern=%s", origin, pattern)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := NewOrdered([]Route{{Pattern: "/api/*", Origin: "https://api"}}, "https://fallback")
	origin, _, err := r.Resolve("/unmatched")
	if err != nil {
		t.Fatal(err)
	}
	if origin != "https://fallback" {
		t.Fatalf("expected default origin, got %s", origin)
	}
}

func TestResolveNoRoute(t *testing.T) {
	r := NewOrdered([]Route{{Pattern: "/api/*", Origin: "https://api"}}, "")
	_, _, err := r.Resolve("/unmatched")
	if err != ErrNoRoute {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}
