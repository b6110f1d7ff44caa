package mailbox

// AdaptiveConfig tunes capacity adaptation. After each successful enqueue
// the mailbox samples its utilization; once enough samples accumulate, the
// average decides whether the queue grows or shrinks.
type AdaptiveConfig struct {
	// Enabled turns adaptation on.
	Enabled bool

	// InitialCapacity is the starting queue capacity.
	InitialCapacity int

	// MinCapacity and MaxCapacity clamp adaptation.
	MinCapacity int
	MaxCapacity int

	// GrowThreshold is the average utilization above which capacity
	// grows; ShrinkThreshold the average below which it shrinks.
	GrowThreshold   float64
	ShrinkThreshold float64

	// GrowthFactor and ShrinkFactor scale the capacity on adaptation.
	GrowthFactor float64
	ShrinkFactor float64

	// MinSamples is how many utilization samples must accumulate before
	// an adaptation decision is made.
	MinSamples int
}

// DefaultAdaptiveConfig returns the standard adaptation tuning.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:         true,
		InitialCapacity: 64,
		MinCapacity:     16,
		MaxCapacity:     4096,
		GrowThreshold:   0.75,
		ShrinkThreshold: 0.25,
		GrowthFactor:    2.0,
		ShrinkFactor:    0.5,
		MinSamples:      32,
	}
}

// sampler accumulates utilization samples and recommends a new capacity
// once enough have been seen. It is not safe for concurrent use; the
// mailbox calls it with its own lock held.
type sampler struct {
	cfg AdaptiveConfig

	sum   float64
	count int
}

func newSampler(cfg AdaptiveConfig) *sampler {
	return &sampler{cfg: cfg}
}

// observe records one utilization sample and returns a new capacity
// recommendation, or 0 when the capacity should stay put. The sample set
// resets after each decision.
func (s *sampler) observe(utilization float64, capacity int) int {
	s.sum += utilization
	s.count++

	if s.count < s.cfg.MinSamples {
		return 0
	}

	avg := s.sum / float64(s.count)
	s.sum, s.count = 0, 0

	switch {
	case avg > s.cfg.GrowThreshold:
		next := int(float64(capacity) * s.cfg.GrowthFactor)
		if next > s.cfg.MaxCapacity {
			next = s.cfg.MaxCapacity
		}
		if next != capacity {
			return next
		}

	case avg < s.cfg.ShrinkThreshold:
		next := int(float64(capacity) * s.cfg.ShrinkFactor)
		if next < s.cfg.MinCapacity {
			next = s.cfg.MinCapacity
		}
		if next != capacity {
			return next
		}
	}

	return 0
}
