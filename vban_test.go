package vban

import (
	"errors"
	"math"
	"sync"

	"github.com/vb-bridge/vban/audio"
)

var errSinkUnavailable = errors.New("sink unavailable")

// hookCounter records state-change events in arrival order.
type hookCounter struct {
	mu     sync.Mutex
	events []string
}

func (h *hookCounter) hook(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *hookCounter) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.events...)
}

// sineSource generates a continuous sine tone, interleaved across all
// channels, so loopback tests have deterministic non-zero audio.
type sineSource struct {
	freq     float64
	rate     float64
	channels int
	phase    int
}

func newSineSource(freqHz float64, sampleRate uint32, channels int) *sineSource {
	return &sineSource{freq: freqHz, rate: float64(sampleRate), channels: channels}
}

func (s *sineSource) Read(buf []int16) {
	for i := 0; i < len(buf); i += s.channels {
		v := int16(16000 * math.Sin(2*math.Pi*s.freq*float64(s.phase)/s.rate))
		for ch := 0; ch < s.channels; ch++ {
			buf[i+ch] = v
		}
		s.phase++
	}
}

func (s *sineSource) Close() error { return nil }

// rampSource counts upward so tests can check sample-exact transport.
type rampSource struct {
	next int16
}

func (s *rampSource) Read(buf []int16) {
	for i := range buf {
		buf[i] = s.next
		s.next++
	}
}

func (s *rampSource) Close() error { return nil }

// memSink records every write for inspection.
type memSink struct {
	mu       sync.Mutex
	rate     uint32
	channels int
	samples  []int16
	drains   int
	closed   bool
}

func (s *memSink) Write(buf []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, buf...)
}

func (s *memSink) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// sinkRecorder hands out memSinks and remembers each one.
type sinkRecorder struct {
	mu    sync.Mutex
	sinks []*memSink
	fail  bool
}

func (f *sinkRecorder) factory(rate uint32, channels int) (audio.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errSinkUnavailable
	}
	s := &memSink{rate: rate, channels: channels}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *sinkRecorder) last() *memSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sinks) == 0 {
		return nil
	}
	return f.sinks[len(f.sinks)-1]
}

func (f *sinkRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}
