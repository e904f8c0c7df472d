package reconcile

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/chitpool/backend/internal/countdown"
)

func newClassifier() (*Classifier, clockwork.Clock) {
	clock := clockwork.NewFakeClock()
	return NewClassifier(countdown.New(clock), DefaultConfig()), clock
}

func TestClassifyRunningRecords(t *testing.T) {
	c, clock := newClassifier()
	now := clock.Now()

	t.Run("mid-countdown resumes with remaining time", func(t *testing.T) {
		rec := Record{
			CreatedAt: now.Add(-40 * time.Second),
			Start:     now.Add(-40 * time.Second),
			Duration:  60 * time.Second,
		}
		assert.Equal(t, OutcomeResume, c.Classify(rec))
	})

	t.Run("under skip threshold goes straight to reveal", func(t *testing.T) {
		rec := Record{
			CreatedAt: now.Add(-59 * time.Second),
			Start:     now.Add(-59 * time.Second),
			Duration:  60 * time.Second,
		}
		assert.Equal(t, OutcomeReveal, c.Classify(rec))
	})
}

func TestClassifyFinishedUnsettledRecords(t *testing.T) {
	c, clock := newClassifier()
	now := clock.Now()

	t.Run("just past deadline shows the incoming result", func(t *testing.T) {
		rec := Record{
			CreatedAt: now.Add(-62 * time.Second),
			Start:     now.Add(-62 * time.Second),
			Duration:  60 * time.Second,
		}
		assert.Equal(t, OutcomeShowResult, c.Classify(rec))
	})

	t.Run("long past deadline is stale", func(t *testing.T) {
		rec := Record{
			CreatedAt: now.Add(-10 * time.Minute),
			Start:     now.Add(-10 * time.Minute),
			Duration:  60 * time.Second,
		}
		assert.Equal(t, OutcomeIgnore, c.Classify(rec))
	})
}

func TestClassifySettledRecords(t *testing.T) {
	c, clock := newClassifier()
	now := clock.Now()

	t.Run("recently settled shows the result", func(t *testing.T) {
		settledAt := now.Add(-time.Minute)
		rec := Record{
			CreatedAt: now.Add(-3 * time.Minute),
			Start:     now.Add(-3 * time.Minute),
			Duration:  60 * time.Second,
			Settled:   true,
			SettledAt: &settledAt,
		}
		assert.Equal(t, OutcomeShowResult, c.Classify(rec))
	})

	t.Run("settled long ago is not resurrected", func(t *testing.T) {
		settledAt := now.Add(-time.Hour)
		rec := Record{
			CreatedAt: now.Add(-2 * time.Hour),
			Start:     now.Add(-2 * time.Hour),
			Duration:  60 * time.Second,
			Settled:   true,
			SettledAt: &settledAt,
		}
		assert.Equal(t, OutcomeIgnore, c.Classify(rec))
	})

	t.Run("settled without timestamp falls back to deadline", func(t *testing.T) {
		rec := Record{
			CreatedAt: now.Add(-90 * time.Second),
			Start:     now.Add(-90 * time.Second),
			Duration:  60 * time.Second,
			Settled:   true,
		}
		// Deadline was 30s ago, inside the staleness window.
		assert.Equal(t, OutcomeShowResult, c.Classify(rec))
	})
}

func TestWindowsAreTunable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.RecentTolerance = time.Minute
	c := NewClassifier(countdown.New(clock), cfg)
	now := clock.Now()

	// 30s overrun is stale under the default 5s tolerance but recent under
	// a 1m tolerance.
	rec := Record{
		CreatedAt: now.Add(-90 * time.Second),
		Start:     now.Add(-90 * time.Second),
		Duration:  60 * time.Second,
	}
	assert.Equal(t, OutcomeShowResult, c.Classify(rec))
}
