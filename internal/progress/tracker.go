package progress

import (
	"math/bits"

	"go.uber.org/zap"
)

const (
	// Steps is the number of equal buckets progress is reported in.
	Steps = 20
	// StepPercent is the percentage covered by a single bucket.
	StepPercent = 100 / Steps
)

// Tracker turns a stream of processed byte counts into percentage events at
// every 5% boundary of an expected total. It is not safe for concurrent use;
// the goroutine driving the tracked stream owns it.
type Tracker struct {
	total      uint64
	processed  uint64
	reported   uint64 // buckets already reported, 0..Steps
	warned     bool
	finished   bool
	logger     *zap.Logger
	onProgress func(percent uint64)
}

// New creates a tracker for total units. onProgress is called synchronously
// from Advance with 5, 10, ... 100. A zero total disables reporting.
func New(total uint64, logger *zap.Logger, onProgress func(percent uint64)) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onProgress == nil {
		onProgress = func(uint64) {}
	}
	return &Tracker{
		total:      total,
		logger:     logger,
		onProgress: onProgress,
	}
}

// Advance records delta more processed units and reports every newly
// crossed bucket exactly once, in increasing order.
func (t *Tracker) Advance(delta uint64) {
	if delta == 0 {
		return
	}
	sum, carry := bits.Add64(t.processed, delta, 0)
	if carry != 0 {
		sum = ^uint64(0)
	}
	t.processed = sum

	if t.processed > t.total && !t.warned {
		t.warned = true
		t.logger.Warn("processed more than the expected total",
			zap.Uint64("processed", t.processed),
			zap.Uint64("total", t.total))
	}
	if t.total == 0 {
		return
	}

	for t.reported < Steps && t.processed >= t.threshold(t.reported+1) {
		t.reported++
		t.onProgress(t.reported * StepPercent)
	}
}

// threshold returns the smallest processed count that completes bucket k,
// i.e. ceil(total*k/Steps), without overflowing.
func (t *Tracker) threshold(k uint64) uint64 {
	hi, lo := bits.Mul64(t.total, k)
	q, rem := bits.Div64(hi, lo, Steps)
	if rem != 0 {
		q++
	}
	return q
}

// Percent returns the last reported percentage.
func (t *Tracker) Percent() uint64 { return t.reported * StepPercent }

// Processed returns the units seen so far.
func (t *Tracker) Processed() uint64 { return t.processed }

// Total returns the expected number of units.
func (t *Tracker) Total() uint64 { return t.total }

// Finish runs the completion callback. Only the first call has an effect.
func (t *Tracker) Finish(onDone func()) {
	if t.finished {
		return
	}
	t.finished = true
	if onDone != nil {
		onDone()
	}
}
