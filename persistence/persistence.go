// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"time"

	"docsync.dev/gcerrors"
	"docsync.dev/internal/asyncqueue"
	"docsync.dev/internal/gcerr"
	"docsync.dev/internal/otel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
)

// OwnerCollection holds the owner lease record under OwnerKey.
const OwnerCollection = "owner"

// OwnerKey is the key of the single owner lease record.
var OwnerKey = NewKey("owner")

// Defaults for Options.
const (
	DefaultLeaseMaxAge          = 5 * time.Second
	DefaultLeaseRefreshInterval = 4 * time.Second
)

// existingOwnerMessage is returned when another client holds the lease.
const existingOwnerMessage = "There is another client with persistence enabled on this store. " +
	"Only one client may use a store at a time."

// Lease is the persisted owner lease record.
type Lease struct {
	OwnerID          string
	LeaseTimestampMs int64
}

// Options configure a Persistence.
type Options struct {
	// Logger receives log output. Nil discards it.
	Logger log.Logger
	// Queue runs the periodic lease refresh. If nil, Open starts a queue
	// that Shutdown stops.
	Queue *asyncqueue.Queue
	// Signals records abandoned owners. If nil, an in-memory SignalStore is
	// used, which only helps clients within one process.
	Signals SignalStore
	// Name distinguishes stores that share one SignalStore.
	Name string
	// LeaseMaxAge is how long a lease stays valid without refresh.
	LeaseMaxAge time.Duration
	// LeaseRefreshInterval is how often the owner refreshes its lease. It
	// must be shorter than LeaseMaxAge.
	LeaseRefreshInterval time.Duration
	// LeaseWait is how long Open keeps trying to acquire a lease held by
	// another client. Zero fails at once.
	LeaseWait time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Persistence gives one client exclusive transactional access to a Store
// shared with other clients. Every transaction first checks that the
// client still holds the owner lease.
type Persistence struct {
	store   Store
	opts    Options
	logger  log.Logger
	tracer  *otel.Tracer
	ownerID string

	queue     *asyncqueue.Queue
	ownsQueue bool

	mu      sync.Mutex
	started bool
	refresh *asyncqueue.DelayedOperation
	// err is set once the lease is lost; every later transaction fails with it.
	err error
}

// Open starts a Persistence on store. It acquires the owner lease or fails
// with a FailedPrecondition error if another client holds a valid one.
func Open(ctx context.Context, store Store, opts *Options) (*Persistence, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Signals == nil {
		o.Signals = &MemorySignalStore{}
	}
	if o.Name == "" {
		o.Name = "default"
	}
	if o.LeaseMaxAge <= 0 {
		o.LeaseMaxAge = DefaultLeaseMaxAge
	}
	if o.LeaseRefreshInterval <= 0 {
		o.LeaseRefreshInterval = DefaultLeaseRefreshInterval
	}
	if o.LeaseRefreshInterval >= o.LeaseMaxAge {
		return nil, gcerr.Newf(gcerr.InvalidArgument, nil, "lease refresh interval %v must be shorter than the lease max age %v",
			o.LeaseRefreshInterval, o.LeaseMaxAge)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	p := &Persistence{
		store:   store,
		opts:    o,
		ownerID: uuid.NewString(),
		tracer:  otel.NewTracer("persistence", otel.StoreAttr(store)),
		queue:   o.Queue,
	}
	p.logger = log.With(o.Logger, "component", "persistence", "owner", p.ownerID)
	if p.queue == nil {
		p.queue = asyncqueue.New(o.Logger)
		p.ownsQueue = true
	}
	if err := p.acquireLease(ctx); err != nil {
		if p.ownsQueue {
			_ = p.queue.Shutdown(ctx, false)
		}
		return nil, err
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	p.scheduleRefresh()
	return p, nil
}

// OwnerID returns the random id this client holds the lease under.
func (p *Persistence) OwnerID() string { return p.ownerID }

// Store returns the underlying store.
func (p *Persistence) Store() Store { return p.store }

// Started reports whether p holds the lease and has not shut down.
func (p *Persistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Persistence) zombieKey() string { return "docsync_zombie_owner_" + p.opts.Name }

func (p *Persistence) acquireLease(ctx context.Context) error {
	err := p.tryAcquireLease(ctx)
	if err == nil || p.opts.LeaseWait <= 0 || gcerrors.Code(err) != gcerrors.FailedPrecondition {
		return err
	}
	level.Info(p.logger).Log("op", "acquireLease", "msg", "lease held by another client, waiting", "wait", p.opts.LeaseWait)
	ctx, cancel := context.WithTimeout(ctx, p.opts.LeaseWait)
	defer cancel()
	var wake <-chan struct{}
	if w, ok := p.opts.Signals.(Watcher); ok {
		if ch, werr := w.Watch(ctx, p.zombieKey()); werr == nil {
			wake = ch
		}
	}
	bo := gax.Backoff{Initial: 50 * time.Millisecond, Max: p.opts.LeaseRefreshInterval, Multiplier: 2}
	for {
		t := time.NewTimer(bo.Pause())
		select {
		case <-ctx.Done():
			t.Stop()
			// Report the lease conflict rather than the wait timeout.
			return err
		case <-wake:
			t.Stop()
		case <-t.C:
		}
		err = p.tryAcquireLease(ctx)
		if err == nil || gcerrors.Code(err) != gcerrors.FailedPrecondition {
			return err
		}
	}
}

func (p *Persistence) tryAcquireLease(ctx context.Context) error {
	return p.store.RunTransaction(ctx, ReadWrite, func(txn Txn) error {
		owners := txn.Collection(OwnerCollection)
		cur, err := readLease(owners)
		if err != nil {
			return err
		}
		if p.validOwner(cur) {
			level.Debug(p.logger).Log("op", "acquireLease", "msg", "valid owner already", "current", cur.OwnerID)
			return gcerr.Newf(gcerr.FailedPrecondition, nil, existingOwnerMessage)
		}
		if err := writeLease(owners, &Lease{OwnerID: p.ownerID, LeaseTimestampMs: p.nowMs()}); err != nil {
			return err
		}
		stats.leaseAcquired.Inc()
		level.Info(p.logger).Log("op", "acquireLease", "msg", "acquired owner lease")
		return nil
	})
}

func (p *Persistence) nowMs() int64 { return p.opts.Now().UnixNano() / int64(time.Millisecond) }

// validOwner reports whether l is a lease some client may still rely on.
func (p *Persistence) validOwner(l *Lease) bool {
	if l == nil {
		return false
	}
	now := p.nowMs()
	switch {
	case l.LeaseTimestampMs < now-p.opts.LeaseMaxAge.Milliseconds():
		return false
	case l.LeaseTimestampMs > now:
		level.Error(p.logger).Log("op", "validOwner", "msg", "owner lease is in the future, discarding", "current", l.OwnerID)
		return false
	}
	zombie, ok, err := p.opts.Signals.Get(p.zombieKey())
	if err != nil {
		level.Warn(p.logger).Log("op", "validOwner", "msg", "reading zombie owner failed", "err", err)
		return true
	}
	return !ok || zombie != l.OwnerID
}

// ensureOwnerLease fails the transaction unless p holds a valid lease.
func (p *Persistence) ensureOwnerLease(txn Txn) error {
	cur, err := readLease(txn.Collection(OwnerCollection))
	if err != nil {
		return err
	}
	if !p.validOwner(cur) || cur.OwnerID != p.ownerID {
		err := gcerr.Newf(gcerr.FailedPrecondition, nil, existingOwnerMessage)
		p.mu.Lock()
		if p.err == nil {
			p.err = err
			stats.leaseLost.Inc()
			level.Error(p.logger).Log("op", "ensureOwnerLease", "msg", "owner lease lost")
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// RunTransaction runs fn in a transaction of the store after checking that p
// still holds the owner lease. action names the operation in logs, metrics
// and traces. Once the lease is lost every transaction fails with a
// FailedPrecondition error.
func (p *Persistence) RunTransaction(ctx context.Context, action string, mode Mode, fn func(Txn) error) (err error) {
	ctx, span := p.tracer.Start(ctx, action)
	defer func() {
		p.tracer.End(span, err)
		stats.transactionDone(action, err)
	}()

	p.mu.Lock()
	started, perr := p.started, p.err
	p.mu.Unlock()
	if perr != nil {
		return perr
	}
	if !started {
		return gcerr.Newf(gcerr.FailedPrecondition, nil, "persistence: %s: not started", action)
	}
	level.Debug(p.logger).Log("op", "RunTransaction", "action", action)
	// The lease check must share the transaction with fn.
	return p.store.RunTransaction(ctx, mode, func(txn Txn) error {
		if err := p.ensureOwnerLease(txn); err != nil {
			return err
		}
		return fn(txn)
	})
}

func (p *Persistence) scheduleRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.refresh = p.queue.EnqueueAfterDelay(asyncqueue.TimerLeaseRefresh, p.opts.LeaseRefreshInterval, func(ctx context.Context) error {
		err := p.RunTransaction(ctx, "Refresh owner timestamp", ReadWrite, func(txn Txn) error {
			return writeLease(txn.Collection(OwnerCollection), &Lease{OwnerID: p.ownerID, LeaseTimestampMs: p.nowMs()})
		})
		if err != nil {
			level.Error(p.logger).Log("op", "refreshLease", "msg", "refresh failed, stopping refreshes", "err", err)
			return err
		}
		p.scheduleRefresh()
		return nil
	})
}

func (p *Persistence) stopRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	if p.refresh != nil {
		p.refresh.Cancel()
		p.refresh = nil
	}
}

// MarkAbandoned is called when the client goes away abruptly. It records the
// owner id in the SignalStore so that other clients treat the lease as
// released at once, and stops lease refreshes. It does not touch the store,
// so it is safe to call from a process exit hook.
func (p *Persistence) MarkAbandoned() {
	if err := p.opts.Signals.Set(p.zombieKey(), p.ownerID); err != nil {
		level.Error(p.logger).Log("op", "MarkAbandoned", "msg", "recording abandoned owner failed", "err", err)
	}
	p.stopRefresh()
}

// Abandon is the abrupt shutdown path: MarkAbandoned followed by one attempt
// to delete the lease record. The abandoned-owner signal is kept because the
// deletion may not complete. A queue that Open started is stopped without
// draining.
func (p *Persistence) Abandon(ctx context.Context) error {
	p.MarkAbandoned()
	err := p.releaseLease(ctx)
	if err != nil {
		level.Warn(p.logger).Log("op", "Abandon", "msg", "releasing lease failed", "err", err)
	}
	if p.ownsQueue {
		if qerr := p.queue.Shutdown(ctx, false); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}

// releaseLease deletes the lease record if p still owns it.
func (p *Persistence) releaseLease(ctx context.Context) error {
	return p.store.RunTransaction(ctx, ReadWrite, func(txn Txn) error {
		owners := txn.Collection(OwnerCollection)
		cur, err := readLease(owners)
		if err != nil {
			return err
		}
		if cur != nil && cur.OwnerID == p.ownerID {
			return owners.Delete(OwnerKey)
		}
		return nil
	})
}

// Shutdown stops lease refreshes and releases the lease. If deleteData is
// set and the store is a Dropper, all of its data is deleted. Shutdown does
// not close the store.
func (p *Persistence) Shutdown(ctx context.Context, deleteData bool) error {
	p.stopRefresh()
	// The zombie key only matters while our lease record may still exist.
	defer func() {
		if zombie, ok, _ := p.opts.Signals.Get(p.zombieKey()); ok && zombie == p.ownerID {
			_ = p.opts.Signals.Delete(p.zombieKey())
		}
	}()
	err := p.releaseLease(ctx)
	if err != nil {
		level.Warn(p.logger).Log("op", "Shutdown", "msg", "releasing lease failed", "err", err)
	}
	if deleteData {
		if d, ok := p.store.(Dropper); ok {
			if derr := d.Drop(ctx); derr != nil && err == nil {
				err = derr
			}
		}
	}
	if p.ownsQueue {
		if qerr := p.queue.Shutdown(ctx, false); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}

// ReadLease returns the current lease record of store, or nil if there is
// none. It does not check ownership.
func ReadLease(ctx context.Context, store Store) (*Lease, error) {
	var l *Lease
	err := store.RunTransaction(ctx, ReadOnly, func(txn Txn) error {
		var err error
		l, err = readLease(txn.Collection(OwnerCollection))
		return err
	})
	return l, err
}

func readLease(c Collection) (*Lease, error) {
	b, err := c.Get(OwnerKey)
	if err != nil || b == nil {
		return nil, err
	}
	var l Lease
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&l); err != nil {
		return nil, gcerr.Newf(gcerr.Internal, err, "decoding owner lease")
	}
	return &l, nil
}

func writeLease(c Collection, l *Lease) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(l); err != nil {
		return gcerr.Newf(gcerr.Internal, err, "encoding owner lease")
	}
	return c.Put(OwnerKey, buf.Bytes())
}
