package cachekey

import "testing"

func TestTTLOfPriority(t *testing.T) {
	patterns := map[string]int{"/api/*": 120}
	if got := TTLOf("/api/x", "max-age=60", patterns, 300000); got != 60000 {
		t.Fatalf("max-age should win: got %d", got)
	}
	if got := TTLOf("/api/x", "", patterns, 300000); got != 120000 {
		t.Fatalf("pattern should win over default: got %d", got)
	}
	if got := TTLOf("/other", "", patterns, 300000); got != 300000 {
		t.Fatalf("default should apply when nothing else matches: got %d", got)
	}
}

func TestMatchPatternSegments(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"/api/*", "/api/users", true},
		{"/api/*", "/api/users/1", false},
		{"/api/**", "/api/users/1", true},
		{"/static/**", "/static/css/a.css", true},
		{"/exact", "/exact", true},
		{"/exact", "/other", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.path); got != c.want {
			t.Errorf("MatchPattern(%q,%q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestIsCacheable(t *testing.T) {
	if !IsCacheable("GET", 200, "", false, nil) {
		t.Fatal("plain GET 200 should be cacheable")
	}
	if IsCacheable("POST", 200, "", false, nil) {
		t.Fatal("POST must not be cacheable")
	}
	if IsCacheable("GET", 200, "no-store", false, nil) {
		t.Fatal("no-store must not be cacheable")
	}
	if IsCacheable("GET", 200, "", true, nil) {
		t.Fatal("authenticated requests must not be cacheable")
	}
	if IsCacheable("GET", 200, "", false, []string{"*"}) {
		t.Fatal("Vary: * must not be cacheable")
	}
}

func TestKeyOfIncludesVaryHash(t *testing.T) {
	h := map[string]string{"Accept-Language": "en"}
	k1 := KeyOf("get", "https://o/x", h, []string{"Accept-Language"})
	h2 := map[string]string{"Accept-Language": "fr"}
	k2 := KeyOf("get", "https://o/x", h2, []string{"Accept-Language"})
	if k1 == k2 {
		t.Fatal("differing vary header values must produce differing keys")
	}
}
