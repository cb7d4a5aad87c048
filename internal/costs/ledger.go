// Package costs tracks marginal spend per downstream service in redis,
// windowed by hour and by day, and gates admissions against configured
// ceilings.
package costs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Rates maps a service name to its cost per megabyte of input.
type Rates map[string]float64

// Limits are the spend ceilings the admission gate enforces.
type Limits struct {
	HourlyCeiling float64
	DailyCeiling  float64
}

type Ledger struct {
	rdb    *r.Client
	rates  Rates
	limits Limits
	now    func() time.Time
}

func NewLedger(rdb *r.Client, rates Rates, limits Limits) *Ledger {
	return &Ledger{rdb: rdb, rates: rates, limits: limits, now: time.Now}
}

// Estimate returns the projected marginal spend for feeding size bytes to
// service. Unknown services cost nothing.
func (l *Ledger) Estimate(service string, size int64) float64 {
	return l.rates[service] * float64(size) / (1 << 20)
}

// EstimateAll sums the projected spend across every service in the rate
// table; every accepted document passes through all of them.
func (l *Ledger) EstimateAll(size int64) float64 {
	var total float64
	for svc := range l.rates {
		total += l.Estimate(svc, size)
	}
	return total
}

// Reserve adds amount to both windows and checks the ceilings against the
// post-increment totals, so concurrent reservations cannot jointly slip
// under a ceiling the way a separate read-then-write would. A breach backs
// the increment out and reports false. A zero ceiling disables that
// window. TTLs are generous enough that a window key always outlives its
// window.
func (l *Ledger) Reserve(ctx context.Context, amount float64) (bool, error) {
	hourKey, dayKey := l.keys()
	pipe := l.rdb.TxPipeline()
	hour := pipe.IncrByFloat(ctx, hourKey, amount)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	day := pipe.IncrByFloat(ctx, dayKey, amount)
	pipe.Expire(ctx, dayKey, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "reserve spend")
	}

	hourBreach := l.limits.HourlyCeiling > 0 && hour.Val() > l.limits.HourlyCeiling
	dayBreach := l.limits.DailyCeiling > 0 && day.Val() > l.limits.DailyCeiling
	if hourBreach || dayBreach {
		if err := l.Release(ctx, amount); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Release backs out a reservation, for admissions that reserve spend and
// then fail a later gate.
func (l *Ledger) Release(ctx context.Context, amount float64) error {
	hourKey, dayKey := l.keys()
	pipe := l.rdb.TxPipeline()
	pipe.IncrByFloat(ctx, hourKey, -amount)
	pipe.IncrByFloat(ctx, dayKey, -amount)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "release spend")
}

func (l *Ledger) keys() (hour, day string) {
	t := l.now().UTC()
	return "cost:h:" + t.Format("2006010215"), "cost:d:" + t.Format("20060102")
}
