package budget

import (
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/observability"
)

// qualitySampleSize is the number of recent measurements averaged
const qualitySampleSize = 5

// rollbackFloor triggers a rollback when the running average drops below it
const rollbackFloor = 0.70

// RollbackFunc is invoked once when quality degrades; implementations disable
// predictive precomputation and purge low-quality semantic entries.
type RollbackFunc func(floor float64, cooldown time.Duration)

// QualityMonitor tracks a running average of answer quality and triggers a
// rollback when it degrades. The rollback state is published for the stats
// surface.
type QualityMonitor struct {
	logger   observability.Logger
	rollback RollbackFunc
	cooldown time.Duration

	mu            sync.Mutex
	samples       []float64
	cursor        int
	count         int
	rolledBackAt  time.Time
	rollbackCount int
}

// NewQualityMonitor creates a quality monitor with a 1-hour rollback cooldown
func NewQualityMonitor(logger observability.Logger, rollback RollbackFunc) *QualityMonitor {
	if logger == nil {
		logger = observability.NewLogger("budget.quality")
	}
	return &QualityMonitor{
		logger:   logger,
		rollback: rollback,
		cooldown: time.Hour,
		samples:  make([]float64, qualitySampleSize),
	}
}

// Record feeds one quality measurement. When the average over the last 5
// measurements drops below 0.70 the rollback fires, at most once per
// cooldown window.
func (q *QualityMonitor) Record(score float64) {
	q.mu.Lock()
	q.samples[q.cursor] = score
	q.cursor = (q.cursor + 1) % qualitySampleSize
	if q.count < qualitySampleSize {
		q.count++
	}

	if q.count < qualitySampleSize {
		q.mu.Unlock()
		return
	}

	sum := 0.0
	for _, s := range q.samples {
		sum += s
	}
	average := sum / float64(qualitySampleSize)

	shouldRollBack := average < rollbackFloor && time.Since(q.rolledBackAt) > q.cooldown
	if shouldRollBack {
		q.rolledBackAt = time.Now()
		q.rollbackCount++
	}
	q.mu.Unlock()

	if shouldRollBack {
		q.logger.Warn("Answer quality degraded, rolling back predictive caching", map[string]interface{}{
			"average": average,
			"floor":   rollbackFloor,
		})
		if q.rollback != nil {
			q.rollback(rollbackFloor, q.cooldown)
		}
	}
}

// State publishes the monitor's rollback status
func (q *QualityMonitor) State() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	average := 0.0
	if q.count > 0 {
		sum := 0.0
		for i := 0; i < q.count; i++ {
			sum += q.samples[i]
		}
		average = sum / float64(q.count)
	}

	return map[string]interface{}{
		"average_quality": average,
		"rolled_back":     !q.rolledBackAt.IsZero() && time.Since(q.rolledBackAt) < q.cooldown,
		"rollback_count":  q.rollbackCount,
	}
}
