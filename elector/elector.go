package elector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/git-hulk/go-dlock/dlock"
	"github.com/git-hulk/go-dlock/dlock/store"
	"github.com/git-hulk/go-dlock/internal"
)

const (
	maxHeartbeatInterval = 10 * time.Second
	minHeartbeatInterval = 100 * time.Millisecond

	// the heartbeat interval will be sessionTimeout / sessionCheckCount
	sessionCheckCount = 5
)

const (
	electStateNone = iota + 1
	electStateRunning
	electStateStopped
)

var (
	ErrNotLeader      = errors.New("you're not the leader")
	ErrAlreadyStarted = errors.New("elector already started")
)

type Runner interface {
	RunAsLeader(ctx context.Context) error
	RunAsObserver(ctx context.Context) error
}

// Elector turns the lock into leader election: whoever holds the lock on
// the key is the leader, everyone else observes and re-contends when the
// lock expires or is resigned. Each contention round uses a fresh lock
// attempt, so a deposed leader can never revive its old token.
type Elector struct {
	state  atomic.Int32
	runner Runner
	store  store.Store

	key            string
	sessionTimeout time.Duration
	lastResigned   atomic.Time

	// rwmu protects the lock field
	rwmu sync.RWMutex
	lock *dlock.Lock

	isLeader        atomic.Bool
	leaderChangedCh chan struct{}

	wg         sync.WaitGroup
	shutdownCh chan struct{}
}

// New is used to create an elector instance
func New(s store.Store, key string, sessionTimeout time.Duration, runner Runner) (*Elector, error) {
	if s == nil || runner == nil {
		return nil, errors.New("store and runner cannot be nil")
	}
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	if sessionTimeout < sessionCheckCount*minHeartbeatInterval {
		return nil, errors.New("session timeout is too short")
	}
	elector := &Elector{
		runner:          runner,
		store:           s,
		key:             key,
		sessionTimeout:  sessionTimeout,
		leaderChangedCh: make(chan struct{}),
		shutdownCh:      make(chan struct{}),
	}
	elector.state.Store(electStateNone)
	return elector, nil
}

// Run is used to start the elector instance and send heartbeats periodically
func (e *Elector) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(electStateNone, electStateRunning) {
		return ErrAlreadyStarted
	}

	isLeader, err := e.tryAcquire(ctx)
	if err != nil {
		// Roll back so the caller may retry Run once the store recovers.
		e.state.Store(electStateNone)
		return err
	}
	e.isLeader.Store(isLeader)

	e.wg.Add(2)
	go e.keepalive(ctx)
	go e.runLoop(ctx)
	return nil
}

// IsLeader is used to check if the elector is leader
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *Elector) getLock() *dlock.Lock {
	e.rwmu.RLock()
	defer e.rwmu.RUnlock()
	return e.lock
}

func (e *Elector) setLock(l *dlock.Lock) {
	e.rwmu.Lock()
	defer e.rwmu.Unlock()
	e.lock = l
}

// tryAcquire makes a single non-blocking grab at the leadership lock with
// a brand-new attempt.
func (e *Elector) tryAcquire(ctx context.Context) (bool, error) {
	lock := dlock.New(e.store, e.key, e.sessionTimeout, nil)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, dlock.ErrAcquireTimeout) {
			return false, nil
		}
		return false, err
	}
	e.setLock(lock)
	return true, nil
}

func (e *Elector) heartbeatInterval() time.Duration {
	interval := e.sessionTimeout / sessionCheckCount
	if interval > maxHeartbeatInterval {
		interval = maxHeartbeatInterval
	}
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return interval
}

// keepalive will try to become leader if not leader, or renew the lock
// TTL if leader.
func (e *Elector) keepalive(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			// Don't try to elect leader again before elapsed timeout if it resigned recently.
			if time.Since(e.lastResigned.Load()) < e.sessionTimeout {
				continue
			}
			if !e.isLeader.Load() {
				isLeader, err := e.tryAcquire(ctx)
				if err != nil {
					internal.GetLogger().Printf("Failed to acquire leadership of key[%s], err: %v", e.key, err)
					continue
				}
				if isLeader {
					e.isLeader.Store(true)
					e.notifyLeaderChanged()
				}
			} else {
				lock := e.getLock()
				renewed, err := lock.Renew(ctx)
				if err != nil {
					internal.GetLogger().Printf("Failed to renew leadership of key[%s], err: %v", e.key, err)
					continue
				}
				if !renewed {
					// Lost to TTL expiry, fall back to observing and re-contend
					// with a fresh attempt on the next heartbeat.
					e.isLeader.Store(false)
					e.setLock(nil)
					e.notifyLeaderChanged()
				}
			}
		}
	}
}

func (e *Elector) notifyLeaderChanged() {
	if e.state.Load() != electStateRunning {
		return
	}
	select {
	case e.leaderChangedCh <- struct{}{}:
	default:
	}
}

func (e *Elector) runLoop(ctx context.Context) {
	defer e.wg.Done()

	var err error
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-e.leaderChangedCh:
			internal.GetLogger().Printf("Leadership of key[%s] changed, isLeader: %v", e.key, e.isLeader.Load())
		default:
			if e.isLeader.Load() {
				err = e.runner.RunAsLeader(ctx)
			} else {
				err = e.runner.RunAsObserver(ctx)
			}
			if err != nil {
				internal.GetLogger().Printf("Failed to run for key[%s], err: %v", e.key, err)
			}
		}
	}
}

// Resign is used to give up the leadership, it will return ErrNotLeader if not leader.
// The elector won't contend for the leadership again until a session timeout elapsed.
func (e *Elector) Resign(ctx context.Context) error {
	if !e.isLeader.Load() {
		return ErrNotLeader
	}
	lock := e.getLock()
	if lock == nil {
		return ErrNotLeader
	}

	e.lastResigned.Store(time.Now())
	e.isLeader.Store(false)
	e.setLock(nil)
	if _, err := lock.Release(ctx); err != nil {
		return err
	}
	e.notifyLeaderChanged()
	return nil
}

// Stop is used to stop the elector instance and release the lock if held
func (e *Elector) Stop(ctx context.Context) error {
	if e.state.Load() == electStateStopped {
		return nil
	}
	e.state.Store(electStateStopped)

	close(e.shutdownCh)
	e.wg.Wait()

	lock := e.getLock()
	if lock == nil {
		return nil
	}
	e.setLock(nil)
	e.isLeader.Store(false)
	_, err := lock.Release(ctx)
	return err
}
