// Package pool manages a bounded set of Dataverse clients cloned from a
// single authenticated seed. Leases amortise auth cost, waiters are served
// FIFO, and throttle responses shrink capacity for a cool-down window.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/debug"
	"github.com/dvtools/dvq/internal/dverr"
)

const (
	// defaultMaxConcurrent applies when neither the caller nor the headroom
	// probe supplies a cap.
	defaultMaxConcurrent = 4

	defaultProbeTimeout = 2 * time.Second

	// throttleCooldown is how long capacity stays reduced after a throttled
	// response.
	throttleCooldown = 60 * time.Second
)

// SeedFactory authenticates and returns the pool's seed client. It is called
// once at init and again after InvalidateSeed.
type SeedFactory func(ctx context.Context) (client.Client, error)

// Options tune pool behavior. The zero value is usable.
type Options struct {
	// MaxConcurrent caps concurrent leases. 0 lets the headroom probe and
	// the default decide.
	MaxConcurrent int
	// ProbeTimeout bounds the one-time headroom probe. 0 means 2s.
	ProbeTimeout time.Duration
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	MaxConcurrent  int
	InUse          int
	Idle           int
	LeasesIssued   int64
	ThrottleEvents int64
	Reseeds        int64
}

// Pool owns the seed client and the free list. Create with New, end with
// Close.
type Pool struct {
	seedFactory SeedFactory
	opts        Options

	probeOnce sync.Once
	sem       *semaphore.Weighted

	mu            sync.Mutex
	seed          client.Client
	seedValid     bool
	free          []client.Client // LIFO; top of stack has the warmest token
	cap           int
	inUse         int
	closed        bool
	reduced       bool
	cooldownUntil time.Time
	bo            backoff.BackOff

	leasesIssued   int64
	throttleEvents int64
	reseeds        int64

	// test seams
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	onReduced func()
}

// Lease wraps one client checked out of the pool. Release exactly once.
type Lease struct {
	pool *Pool
	c    client.Client

	mu        sync.Mutex
	released  bool
	unhealthy bool
}

// New creates the seed client via factory and returns a ready pool. The
// headroom probe runs lazily on the first GetLease.
func New(ctx context.Context, factory SeedFactory, opts Options) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: nil seed factory")
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	seed, err := factory(ctx)
	if err != nil {
		return nil, dverr.Wrap(dverr.CodeAuthFailed, "seed client creation failed", err)
	}
	return &Pool{
		seedFactory: factory,
		opts:        opts,
		seed:        seed,
		seedValid:   true,
		bo:          newThrottleBackoff(),
		now:         time.Now,
		sleep:       sleepCtx,
	}, nil
}

func newThrottleBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 1 // full jitter
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetLease blocks until capacity is available or ctx is done. Waiters are
// served FIFO. After Close it fails with PoolClosed.
func (p *Pool) GetLease(ctx context.Context) (*Lease, error) {
	p.ensureCapacity(ctx)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, dverr.New(dverr.CodePoolClosed, "pool is closed")
		}
		return nil, dverr.Wrap(dverr.CodeCancelled, "lease wait cancelled", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, dverr.New(dverr.CodePoolClosed, "pool is closed")
	}
	var c client.Client
	if n := len(p.free); n > 0 {
		c = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if c == nil {
		var err error
		c, err = p.cloneSeed(ctx)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
	}

	p.mu.Lock()
	p.inUse++
	p.leasesIssued++
	p.mu.Unlock()
	return &Lease{pool: p, c: c}, nil
}

// ensureCapacity resolves maxConcurrent exactly once: the lower of the
// configured cap and the probed headroom, with the probe falling back to the
// default on failure.
func (p *Pool) ensureCapacity(ctx context.Context) {
	p.probeOnce.Do(func() {
		headroom := defaultMaxConcurrent
		pctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
		defer cancel()

		p.mu.Lock()
		seed := p.seed
		p.mu.Unlock()
		if n, err := seed.RecommendedParallelism(pctx); err == nil && n > 0 {
			headroom = n
		} else if err != nil {
			debug.Logf("pool: headroom probe failed, using default %d: %v", defaultMaxConcurrent, err)
		}

		eff := headroom
		if p.opts.MaxConcurrent > 0 && p.opts.MaxConcurrent < eff {
			eff = p.opts.MaxConcurrent
		}
		if eff < 1 {
			eff = 1
		}

		p.mu.Lock()
		p.cap = eff
		p.mu.Unlock()
		p.sem = semaphore.NewWeighted(int64(eff))
		debug.Logf("pool: maxConcurrent=%d (probed=%d configured=%d)", eff, headroom, p.opts.MaxConcurrent)
	})
}

// cloneSeed derives a fresh client from the seed, reseeding first if the seed
// was invalidated.
func (p *Pool) cloneSeed(ctx context.Context) (client.Client, error) {
	p.mu.Lock()
	seed := p.seed
	valid := p.seedValid
	p.mu.Unlock()

	if !valid {
		newSeed, err := p.seedFactory(ctx)
		if err != nil {
			return nil, dverr.Wrap(dverr.CodeAuthFailed, "reseed failed", err)
		}
		var stale client.Client
		p.mu.Lock()
		if p.seedValid {
			// Lost the reseed race; another caller already replaced it.
			stale = newSeed
		} else {
			stale = p.seed
			p.seed = newSeed
			p.seedValid = true
			p.reseeds++
		}
		seed = p.seed
		p.mu.Unlock()
		if stale != nil {
			_ = stale.Close()
		}
	}

	c, err := seed.Clone(ctx)
	if err != nil {
		return nil, dverr.Wrap(dverr.CodeTransient, "seed clone failed", err)
	}
	return c, nil
}

// InvalidateSeed marks the seed stale after an auth failure. The next lease
// that needs a new client reseeds through the factory.
func (p *Pool) InvalidateSeed() {
	p.mu.Lock()
	p.seedValid = false
	p.mu.Unlock()
	debug.Logf("pool: seed invalidated")
}

// HandleThrottle applies the throttle policy for a throttled response seen on
// l's client: shrink capacity by one for the cool-down window, release the
// lease without penalty, then wait out the server's retry-after or the
// jittered back-off. The caller decides whether to retry.
func (p *Pool) HandleThrottle(ctx context.Context, l *Lease, retryAfter time.Duration) error {
	delay := retryAfter
	p.mu.Lock()
	p.throttleEvents++
	if delay <= 0 {
		delay = p.bo.NextBackOff()
	}
	p.mu.Unlock()

	p.startCooldown()
	if l != nil {
		l.Release()
	}
	debug.Logf("pool: throttled, backing off %v", delay)
	return p.sleep(ctx, delay)
}

// startCooldown reserves one permit for the cool-down window, or extends the
// window if a reduction is already active. Capacity never drops below one.
func (p *Pool) startCooldown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownUntil = p.now().Add(throttleCooldown)
	if p.reduced || p.cap <= 1 || p.closed || p.sem == nil {
		return
	}
	p.reduced = true
	go p.holdReduction()
}

// holdReduction queues for one permit and holds it until the cool-down
// deadline passes, then returns it and resets the back-off.
func (p *Pool) holdReduction() {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	if p.onReduced != nil {
		p.onReduced()
	}
	for {
		p.mu.Lock()
		remaining := p.cooldownUntil.Sub(p.now())
		if remaining <= 0 || p.closed {
			p.reduced = false
			p.bo.Reset()
			p.mu.Unlock()
			p.sem.Release(1)
			return
		}
		p.mu.Unlock()
		_ = p.sleep(context.Background(), remaining)
	}
}

// Close drains the pool: new leases fail with PoolClosed, idle clients and
// the seed are closed now, in-flight clients are closed as their leases are
// released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	seed := p.seed
	p.seed = nil
	p.seedValid = false
	p.mu.Unlock()

	for _, c := range free {
		_ = c.Close()
	}
	if seed != nil {
		_ = seed.Close()
	}
	return nil
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxConcurrent:  p.cap,
		InUse:          p.inUse,
		Idle:           len(p.free),
		LeasesIssued:   p.leasesIssued,
		ThrottleEvents: p.throttleEvents,
		Reseeds:        p.reseeds,
	}
}

// Client returns the lease's client. Do not use after Release.
func (l *Lease) Client() client.Client { return l.c }

// MarkUnhealthy tells the pool to drop this client on release instead of
// returning it to the free list.
func (l *Lease) MarkUnhealthy() {
	l.mu.Lock()
	l.unhealthy = true
	l.mu.Unlock()
}

// Release returns the client to the pool. Safe to call more than once; only
// the first call has effect.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	unhealthy := l.unhealthy
	l.mu.Unlock()

	p := l.pool
	p.mu.Lock()
	p.inUse--
	dispose := unhealthy || p.closed
	if !dispose {
		p.free = append(p.free, l.c)
	}
	p.mu.Unlock()

	if dispose {
		_ = l.c.Close()
	}
	p.sem.Release(1)
}
