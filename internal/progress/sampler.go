package progress

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing between two samples.
const DefaultInterval = 250 * time.Millisecond

const bytesPerMB = 1024 * 1024

// Sample is one throttled observation of a long-running byte stream.
type Sample struct {
	Percent    float64 // 0-100, only meaningful when HasPercent
	HasPercent bool    // false when the total length is unknown
	Elapsed    time.Duration
	SpeedMBps  float64
	Done       int64
	Total      int64 // <= 0 when unknown
}

// ElapsedSeconds returns Elapsed as float seconds.
func (s Sample) ElapsedSeconds() float64 {
	return s.Elapsed.Seconds()
}

// Sink receives samples.
type Sink interface {
	Report(Sample)
}

// Funcs adapts up to three independent observers to a Sink. Any of them may
// be nil.
type Funcs struct {
	Percent func(float64)
	Elapsed func(seconds float64)
	Speed   func(mbps float64)
}

// Report implements Sink.
func (f Funcs) Report(s Sample) {
	if f.Percent != nil && s.HasPercent {
		f.Percent(s.Percent)
	}
	if f.Elapsed != nil {
		f.Elapsed(s.ElapsedSeconds())
	}
	if f.Speed != nil {
		f.Speed(s.SpeedMBps)
	}
}

// Multi fans a sample out to several sinks, skipping nil ones.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(s Sample) {
	for _, sink := range m {
		if sink != nil {
			sink.Report(s)
		}
	}
}

// CountObserver receives (processed, total) counts from batch operations.
type CountObserver func(processed, total int)

// Sampler turns a running byte counter into Samples at a bounded cadence.
// It is owned by a single transfer and is not safe for concurrent use.
type Sampler struct {
	sink     Sink
	interval time.Duration
	total    int64
	now      func() time.Time

	start     time.Time
	last      time.Time
	lastBytes int64
}

// NewSampler starts the clock. total <= 0 means unknown length; interval <= 0
// means DefaultInterval. A nil sink makes every call a no-op.
func NewSampler(sink Sink, total int64, interval time.Duration) *Sampler {
	return newSampler(sink, total, interval, time.Now)
}

func newSampler(sink Sink, total int64, interval time.Duration, now func() time.Time) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	start := now()
	return &Sampler{
		sink:     sink,
		interval: interval,
		total:    total,
		now:      now,
		start:    start,
		last:     start,
	}
}

// Update records done bytes and emits a sample if the interval has passed.
func (s *Sampler) Update(done int64) {
	if s.sink == nil {
		return
	}
	t := s.now()
	if t.Sub(s.last) < s.interval {
		return
	}
	s.emit(t, done)
}

// Finish emits a final sample regardless of the interval.
func (s *Sampler) Finish(done int64) {
	if s.sink == nil {
		return
	}
	s.emit(s.now(), done)
}

// Elapsed returns the time since the sampler was created.
func (s *Sampler) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

func (s *Sampler) emit(t time.Time, done int64) {
	sample := Sample{
		Elapsed: t.Sub(s.start),
		Done:    done,
		Total:   s.total,
	}
	if s.total > 0 {
		sample.HasPercent = true
		sample.Percent = float64(done) / float64(s.total) * 100
		if sample.Percent > 100 {
			sample.Percent = 100
		}
	}
	if dt := t.Sub(s.last).Seconds(); dt > 0 {
		sample.SpeedMBps = float64(done-s.lastBytes) / dt / bytesPerMB
	}

	s.last = t
	s.lastBytes = done
	s.sink.Report(sample)
}

// ThrottledCounter wraps a CountObserver so it fires at most once per
// interval, plus always on the final count. Safe for concurrent use.
func ThrottledCounter(obs CountObserver, interval time.Duration) CountObserver {
	if obs == nil {
		return nil
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var (
		mu       sync.Mutex
		last     time.Time
		lastSeen = -1
	)
	return func(processed, total int) {
		mu.Lock()
		defer mu.Unlock()

		// Counts may arrive out of order from concurrent workers
		if processed <= lastSeen {
			return
		}
		now := time.Now()
		if processed < total && now.Sub(last) < interval {
			return
		}
		last = now
		lastSeen = processed
		obs(processed, total)
	}
}
