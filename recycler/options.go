package recycler

// config holds the process-level tuning knobs from spec §6, defaulted to
// the canonical values named there.
type config struct {
	maxCapacityPerThread      int
	maxSharedCapacityFactor   int
	ratio                     int
	linkCapacity              int
	maxDelayedQueuesPerThread int
}

func defaultConfig() config {
	return config{
		maxCapacityPerThread:      4096,
		maxSharedCapacityFactor:   2,
		ratio:                     8,
		linkCapacity:              16,
		maxDelayedQueuesPerThread: 2 * numCPU(),
	}
}

// Option configures a Recycler at construction time, in the style of the
// teacher's LoopOption/loopOptionImpl functional-option pattern
// (eventloop/options.go).
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithMaxCapacityPerThread bounds how many recycled values each owner stack
// retains. Default 4096.
func WithMaxCapacityPerThread(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.maxCapacityPerThread = n
		}
	})
}

// WithMaxSharedCapacityFactor sets the divisor used to compute
// maxSharedCapacity = maxCapacityPerThread / factor for each foreign-thread
// handoff queue. Default 2.
func WithMaxSharedCapacityFactor(factor int) Option {
	return optionFunc(func(c *config) {
		if factor > 0 {
			c.maxSharedCapacityFactor = factor
		}
	})
}

// WithRatio sets the recycle-ratio throttle: during a transfer from a
// foreign queue, only one in every ratio items of each drained batch is
// kept, the rest are discarded. The throttle applies to every transferred
// item; no record is kept of whether an item was recycled before. Default 8
// (one in eight).
func WithRatio(ratio int) Option {
	return optionFunc(func(c *config) {
		if ratio > 0 {
			c.ratio = ratio
		}
	})
}

// WithLinkCapacity sets the number of handles each link chunk in a
// foreign-thread handoff queue can hold before a new link is appended.
// Default 16.
func WithLinkCapacity(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.linkCapacity = n
		}
	})
}

// WithMaxDelayedQueuesPerThread bounds how many distinct foreign-thread
// handoff queues a single owner stack will track before new foreign
// returns are dropped outright. Default 2*NumCPU.
func WithMaxDelayedQueuesPerThread(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.maxDelayedQueuesPerThread = n
		}
	})
}
