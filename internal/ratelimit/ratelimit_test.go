package ratelimit

import (
	"testing"
)

func TestDenylistPrecedesAllowlist(t *testing.T) {
	l := New(0, 0, 0, 0, []string{"1.2.3.4"}, []string{"1.2.3.4"})
	defer l.Stop()
	d := l.Check("1.2.3.4")
	if d.Allowed || !d.Denied403 {
		t.Fatalf("an IP in both lists must be denied, got %+v", d)
	}
}

func TestPerMinuteLimitRejectsThirdRequest(t *testing.T) {
	l := New(2, 0, 0, 0, nil, nil)
	defer l.Stop()
	for i := 0; i < 2; i++ {
		if d := l.Check("9.9.9.9"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := l.Check("9.9.9.9")
	if d.Allowed {
		t.Fatal("third request within the window should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("rejected requests must carry a positive Retry-After")
	}
}

func TestIPv6LoopbackNormalization(t *testing.T) {
	l := New(0, 0, 0, 0, []string{"127.0.0.1"}, nil)
	defer l.Stop()
	d := l.Check("::1")
	if !d.Allowed {
		t.Fatal("::1 should normalize to 127.0.0.1 and match the allowlist")
	}
}
