package recovery

import (
	"testing"
	"time"

	"github.com/meridianhealth/jobkit/internal/config"
	"github.com/meridianhealth/jobkit/internal/queue"
)

func TestPolicy_DelayExponential(t *testing.T) {
	p := Policy{
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, w := range want {
		attempt := i + 1
		if got := p.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestPolicy_DelayLinear(t *testing.T) {
	p := Policy{
		Backoff:      BackoffLinear,
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_DelayFixed(t *testing.T) {
	p := Policy{
		Backoff:      BackoffFixed,
		InitialDelay: 3 * time.Second,
	}

	for _, attempt := range []int{1, 2, 5, 0, -1} {
		if got := p.Delay(attempt); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 3*time.Second)
		}
	}
}

func TestPolicy_CanRecoverIgnoresFilter(t *testing.T) {
	// The attempts ceiling applies no matter what the failure filter
	// would say.
	p := Policy{
		MaxAttempts:   3,
		ShouldRecover: func(job *queue.Job, jobErr error) bool { return false },
	}

	tests := []struct {
		attemptsMade int
		want         bool
	}{
		{0, true},
		{1, true},
		{2, true},
		{3, false},
		{4, false},
	}
	for _, tt := range tests {
		if got := p.CanRecover(tt.attemptsMade); got != tt.want {
			t.Errorf("CanRecover(%d) = %v, want %v", tt.attemptsMade, got, tt.want)
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.RecoveryConfig{
		MaxAttempts:  4,
		Backoff:      "exponential",
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}

	p := PolicyFromConfig(cfg)
	if p.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", p.MaxAttempts)
	}
	if p.Backoff != BackoffExponential {
		t.Errorf("Backoff = %v, want %v", p.Backoff, BackoffExponential)
	}
	if p.InitialDelay != time.Second || p.MaxDelay != time.Minute {
		t.Errorf("delays = %v/%v, want 1s/1m", p.InitialDelay, p.MaxDelay)
	}
	if p.ShouldRecover != nil {
		t.Error("ShouldRecover should be left unset by config")
	}
}
