package datadog

import "sync"

// Recorder keeps every emitted value in memory. Tests use it to assert on
// metrics without an agent.
type Recorder struct {
	mu     sync.Mutex
	gauges map[string]float64
	counts map[string]int64
}

func NewRecorder() *Recorder {
	return &Recorder{gauges: map[string]float64{}, counts: map[string]int64{}}
}

func (r *Recorder) Gauge(name string, value float64, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

func (r *Recorder) Count(name string, value int64, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += value
}

// GaugeValue returns the last value set for name.
func (r *Recorder) GaugeValue(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[name]
	return v, ok
}

// CountValue returns the running total for name.
func (r *Recorder) CountValue(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}
