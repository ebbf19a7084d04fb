package scheduler

import (
	"testing"
	"time"
)

func TestCronParser_Validate(t *testing.T) {
	p := NewCronParser()

	tests := []struct {
		name       string
		expression string
		timezone   string
		wantErr    bool
	}{
		{"every minute", "* * * * *", "UTC", false},
		{"daily at 9", "0 9 * * *", "UTC", false},
		{"descriptor", "@hourly", "UTC", false},
		{"new york timezone", "0 9 * * *", "America/New_York", false},
		{"too few fields", "* * * *", "UTC", true},
		{"nonsense", "not a cron", "UTC", true},
		{"bad timezone", "* * * * *", "Mars/Olympus", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.expression, tt.timezone)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q, %q) error = %v, wantErr %v", tt.expression, tt.timezone, err, tt.wantErr)
			}
		})
	}
}

func TestCronParser_NextRun(t *testing.T) {
	p := NewCronParser()

	after := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	got, err := p.NextRun("0 9 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	want := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", got, want)
	}

	// Already past today's fire time: next run is tomorrow.
	got, err = p.NextRun("0 9 * * *", "UTC", time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	want = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", got, want)
	}
}

func TestCronParser_NextRunTimezone(t *testing.T) {
	p := NewCronParser()

	// 09:00 in New York is 14:00 UTC in January (EST, UTC-5).
	after := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	got, err := p.NextRun("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	want := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextRun() = %v, want %v (UTC)", got.UTC(), want)
	}
}
