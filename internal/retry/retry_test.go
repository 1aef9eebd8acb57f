package retry

import (
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second, Factor: 2, MaxDelay: 5 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{40, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second, Factor: 2}
	if p.Exhausted(2) {
		t.Fatal("expected retries to remain after 2 attempts")
	}
	if !p.Exhausted(3) {
		t.Fatal("expected policy to be exhausted after 3 retries")
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if err := (Policy{MaxRetries: -1, Factor: 2}).Validate(); err == nil {
		t.Fatal("expected negative max retries to be rejected")
	}
	if err := (Policy{Factor: 0.5}).Validate(); err == nil {
		t.Fatal("expected factor below 1 to be rejected")
	}
}
