package adaptive

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryRecord is one finished job, as fed to the optimizer.
type HistoryRecord struct {
	Name       string
	Duration   time.Duration
	FinishedAt time.Time
	Success    bool
}

// HistoryFunc supplies the trailing window of finished jobs.
type HistoryFunc func(ctx context.Context) ([]HistoryRecord, error)

// Recommendation is advisory tuning output. Nothing in this package
// enforces it.
type Recommendation struct {
	// OptimalConcurrency targets roughly one job-minute of work in
	// flight given the observed average duration.
	OptimalConcurrency int

	// PeakHours are the top five hours of day (0-23) by completions,
	// busiest first.
	PeakHours []int

	// SuccessRate is completed-successfully over total, in [0, 1].
	SuccessRate float64

	// SampleSize is how many records informed the recommendation.
	SampleSize int
}

// OptimizeFromHistory analyzes a trailing window of finished jobs.
// An empty window yields a zero recommendation.
func OptimizeFromHistory(records []HistoryRecord) Recommendation {
	if len(records) == 0 {
		return Recommendation{}
	}

	var totalDuration time.Duration
	var successes int
	byHour := make(map[int]int)

	for _, r := range records {
		totalDuration += r.Duration
		if r.Success {
			successes++
		}
		byHour[r.FinishedAt.UTC().Hour()]++
	}

	avg := totalDuration / time.Duration(len(records))

	concurrency := 1
	if avg > 0 {
		concurrency = int(math.Round(float64(time.Minute) / float64(avg)))
		if concurrency < 1 {
			concurrency = 1
		}
	}

	hours := make([]int, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if byHour[hours[i]] != byHour[hours[j]] {
			return byHour[hours[i]] > byHour[hours[j]]
		}
		return hours[i] < hours[j]
	})
	if len(hours) > 5 {
		hours = hours[:5]
	}

	return Recommendation{
		OptimalConcurrency: concurrency,
		PeakHours:          hours,
		SuccessRate:        float64(successes) / float64(len(records)),
		SampleSize:         len(records),
	}
}

// Optimizer periodically recomputes a recommendation from history and
// logs it. Purely observational; consumers read Latest and decide for
// themselves.
type Optimizer struct {
	history  HistoryFunc
	interval time.Duration

	mu     sync.RWMutex
	latest Recommendation

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOptimizer(history HistoryFunc, interval time.Duration) *Optimizer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Optimizer{history: history, interval: interval}
}

func (o *Optimizer) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Run(ctx)
			}
		}
	}()
}

func (o *Optimizer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Run performs one optimization pass.
func (o *Optimizer) Run(ctx context.Context) {
	records, err := o.history(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load job history")
		return
	}

	rec := OptimizeFromHistory(records)

	o.mu.Lock()
	o.latest = rec
	o.mu.Unlock()

	log.Info().
		Int("optimal_concurrency", rec.OptimalConcurrency).
		Ints("peak_hours", rec.PeakHours).
		Float64("success_rate", rec.SuccessRate).
		Int("sample_size", rec.SampleSize).
		Msg("Schedule optimization recommendation")
}

// Latest returns the most recent recommendation.
func (o *Optimizer) Latest() Recommendation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest
}
