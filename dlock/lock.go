package dlock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/git-hulk/go-dlock/dlock/store"
)

// WaitForever makes Acquire poll until the lock is obtained or the context
// is cancelled.
const WaitForever time.Duration = -1

const defaultPollInterval = 100 * time.Millisecond

// State is the lifecycle state of one lock attempt. Released and Lost are
// terminal, a new attempt with a fresh token is required to lock again.
type State int32

const (
	StateIdle State = iota + 1
	StateAcquiring
	StateHeld
	StateReleased
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Options tunes the acquisition loop.
type Options struct {
	// WaitTimeout bounds how long Acquire keeps polling for a contended
	// lock. Zero means a single attempt without waiting, WaitForever means
	// no bound.
	WaitTimeout time.Duration

	// PollInterval is the sleep between acquisition attempts, it defaults
	// to 100ms.
	PollInterval time.Duration

	// Jitter adds up to this much extra random sleep to each poll so many
	// waiters don't hammer the store in lockstep.
	Jitter time.Duration
}

// Lock is a single attempt at holding a distributed lock on a key. The
// store is the only arbiter of ownership; the attempt proves it via a
// token that is unique to this instance.
//
// A Lock is not meant to be shared across goroutines, except that Release
// may be called concurrently with Renew/Extend/IsOwner.
type Lock struct {
	store store.Store
	key   string
	token string

	timeout      time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	jitter       time.Duration

	state atomic.Int32
}

// New creates a lock attempt on key with the given TTL. The TTL bounds how
// long the lock outlives a crashed holder; live holders push it forward
// with Renew or Extend. A nil opts means a single non-waiting attempt.
func New(s store.Store, key string, timeout time.Duration, opts *Options) *Lock {
	l := &Lock{
		store:        s,
		key:          key,
		token:        uuid.NewString(),
		timeout:      timeout,
		pollInterval: defaultPollInterval,
	}
	if opts != nil {
		l.waitTimeout = opts.WaitTimeout
		if opts.PollInterval > 0 {
			l.pollInterval = opts.PollInterval
		}
		l.jitter = opts.Jitter
	}
	l.state.Store(int32(StateIdle))
	return l
}

// Key returns the key this attempt locks on.
func (l *Lock) Key() string {
	return l.key
}

// Token returns the token identifying this attempt.
func (l *Lock) Token() string {
	return l.token
}

// Timeout returns the TTL applied to the lock record.
func (l *Lock) Timeout() time.Duration {
	return l.timeout
}

// State returns the current lifecycle state of the attempt.
func (l *Lock) State() State {
	return State(l.state.Load())
}

// IsHeld returns true while the attempt believes it holds the lock. The
// store may already have expired the record; use IsOwner to check.
func (l *Lock) IsHeld() bool {
	return l.State() == StateHeld
}

// Acquire tries to obtain the lock, polling until the wait timeout elapses.
// It returns ErrAcquireTimeout when the wait budget is exhausted, and nil
// immediately if the attempt already holds the lock. A timed-out attempt
// may call Acquire again; a released or lost one may not.
func (l *Lock) Acquire(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateAcquiring)) {
		switch l.State() {
		case StateHeld:
			return nil
		case StateAcquiring:
			return ErrAcquireInProgress
		default:
			return ErrFinished
		}
	}

	var deadline time.Time
	if l.waitTimeout >= 0 {
		deadline = time.Now().Add(l.waitTimeout)
	}
	for {
		acquired, err := l.store.SetIfAbsent(ctx, l.key, l.token, l.timeout)
		if err != nil {
			l.state.Store(int32(StateIdle))
			return err
		}
		if acquired {
			l.state.Store(int32(StateHeld))
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			l.state.Store(int32(StateIdle))
			return ErrAcquireTimeout
		}

		timer := time.NewTimer(l.pollDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			l.state.Store(int32(StateIdle))
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Lock) pollDelay() time.Duration {
	delay := l.pollInterval
	if l.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(l.jitter)))
	}
	return delay
}

// Release deletes the lock record if this attempt still owns it and
// reports whether it did. Returning false is not an error: it means the
// record already expired and was possibly taken over. Only the first call
// reaches the store, later calls return false.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	for {
		prev := l.State()
		if prev != StateHeld && prev != StateLost {
			return false, nil
		}
		if l.state.CompareAndSwap(int32(prev), int32(StateReleased)) {
			break
		}
	}
	return l.store.CompareAndDelete(ctx, l.key, l.token)
}

// Renew re-arms the lock TTL to the configured timeout and reports whether
// this attempt is still the owner. A false return means the lock was lost
// to TTL expiry; the caller must stop treating itself as the holder.
func (l *Lock) Renew(ctx context.Context) (bool, error) {
	switch l.State() {
	case StateHeld:
	case StateReleased, StateLost:
		return false, nil
	default:
		return false, ErrNotHeld
	}
	ok, err := l.store.CompareAndExpire(ctx, l.key, l.token, l.timeout)
	if err != nil {
		return false, err
	}
	if !ok {
		l.state.CompareAndSwap(int32(StateHeld), int32(StateLost))
	}
	return ok, nil
}

// Extend adds the given duration on top of the remaining TTL and reports
// whether this attempt is still the owner. Unlike Renew the extension is
// incremental, so repeated calls accumulate.
func (l *Lock) Extend(ctx context.Context, add time.Duration) (bool, error) {
	switch l.State() {
	case StateHeld:
	case StateReleased, StateLost:
		return false, nil
	default:
		return false, ErrNotHeld
	}
	ok, err := l.store.CompareAndExtend(ctx, l.key, l.token, add)
	if err != nil {
		return false, err
	}
	if !ok {
		l.state.CompareAndSwap(int32(StateHeld), int32(StateLost))
	}
	return ok, nil
}

// IsOwner reads the key and reports whether the stored token still matches
// this attempt's token.
func (l *Lock) IsOwner(ctx context.Context) (bool, error) {
	current, err := l.store.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	owned := current == l.token
	if !owned {
		l.state.CompareAndSwap(int32(StateHeld), int32(StateLost))
	}
	return owned, nil
}

// Do acquires the lock, runs fn while holding it, and releases on every
// exit path, including panics and cancellation of ctx. A release error is
// joined with fn's error rather than replacing it.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		// Release must still run when ctx was cancelled inside fn.
		if _, releaseErr := l.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()
	return fn(ctx)
}
