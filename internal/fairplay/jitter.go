package fairplay

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Verdict classifies a dropped connection.
type Verdict string

const (
	Genuine    Verdict = "GENUINE"
	Suspicious Verdict = "SUSPICIOUS"
	LagSwitch  Verdict = "LAG_SWITCH"
)

type JitterConfig struct {
	BaselineSamples int           // samples before deviation spikes count
	History         int           // samples kept per player
	SpikeLatency    time.Duration // absolute round trip that is always a spike
	SpikeDeviation  float64       // standard deviations above baseline
	SpikeWindow     time.Duration
	FlagSpikes      int // spikes within SpikeWindow that flag lag switching
}

func (c JitterConfig) withDefaults() JitterConfig {
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = 10
	}
	if c.History < c.BaselineSamples {
		c.History = 10 * c.BaselineSamples
	}
	if c.SpikeLatency <= 0 {
		c.SpikeLatency = 500 * time.Millisecond
	}
	if c.SpikeDeviation <= 0 {
		c.SpikeDeviation = 2.5
	}
	if c.SpikeWindow <= 0 {
		c.SpikeWindow = time.Minute
	}
	if c.FlagSpikes <= 0 {
		c.FlagSpikes = 3
	}
	return c
}

type latency struct {
	samples []float64 // round trips in ms, oldest first
	mean    float64
	std     float64
	spikes  []time.Time
}

// Jitter watches heartbeat round trips and tells a flaky connection from one
// that drops on purpose.
type Jitter struct {
	cfg   JitterConfig
	clock Clock
	log   *zap.SugaredLogger

	mu       sync.Mutex
	profiles map[string]*latency
}

func NewJitter(cfg JitterConfig, clock Clock, log *zap.SugaredLogger) *Jitter {
	return &Jitter{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		log:      log.Named("jitter"),
		profiles: make(map[string]*latency),
	}
}

// Observe records one heartbeat round trip and reports whether it was a spike.
func (j *Jitter) Observe(userID string, rtt time.Duration) bool {
	if userID == "" || rtt < 0 {
		return false
	}
	ms := float64(rtt) / float64(time.Millisecond)
	now := j.clock.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.profiles[userID]
	if !ok {
		p = &latency{}
		j.profiles[userID] = p
	}

	spike := rtt >= j.cfg.SpikeLatency
	if len(p.samples) >= j.cfg.BaselineSamples && (ms-p.mean)/(p.std+1) > j.cfg.SpikeDeviation {
		spike = true
	}
	if spike {
		p.spikes = append(p.spikes, now)
	}
	p.prune(now, j.cfg.SpikeWindow)

	p.samples = append(p.samples, ms)
	if len(p.samples) > j.cfg.History {
		p.samples = p.samples[len(p.samples)-j.cfg.History:]
	}
	if len(p.samples) >= j.cfg.BaselineSamples {
		p.mean, p.std = baseline(p.samples, 2*j.cfg.BaselineSamples)
	}
	return spike
}

// Classify judges a disconnect of userID happening now.
func (j *Jitter) Classify(userID string) Verdict {
	now := j.clock.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.profiles[userID]
	if !ok {
		return Genuine
	}
	p.prune(now, j.cfg.SpikeWindow)
	switch n := len(p.spikes); {
	case n >= j.cfg.FlagSpikes:
		j.log.Warnw("lag switch pattern", "user_id", userID, "spikes", n, "baseline_ms", p.mean)
		return LagSwitch
	case n >= 2:
		return Suspicious
	}
	return Genuine
}

// Forget drops the profile for userID.
func (j *Jitter) Forget(userID string) {
	j.mu.Lock()
	delete(j.profiles, userID)
	j.mu.Unlock()
}

func (p *latency) prune(now time.Time, window time.Duration) {
	kept := p.spikes[:0]
	for _, t := range p.spikes {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	p.spikes = kept
}

// baseline is the mean and standard deviation of the last n samples with the
// two highest and two lowest trimmed off.
func baseline(samples []float64, n int) (mean, std float64) {
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	if len(sorted) > 4 {
		sorted = sorted[2 : len(sorted)-2]
	}
	for _, v := range sorted {
		mean += v
	}
	mean /= float64(len(sorted))
	if len(sorted) < 2 {
		return mean, 0
	}
	for _, v := range sorted {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(sorted)-1))
}
