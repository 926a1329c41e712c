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

package remote

import (
	"context"
	"sort"
	"time"

	"docsync.dev/internal/asyncqueue"
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/query"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gax "github.com/googleapis/gax-go/v2"
)

// DefaultMaxPendingWrites is the number of batches the write pipeline holds.
const DefaultMaxPendingWrites = 10

// maxWatchStreamFailures is the number of consecutive watch failures after
// which the client considers itself offline.
const maxWatchStreamFailures = 1

// LocalStore is the part of the local store the RemoteStore reads.
type LocalStore interface {
	// NextMutationBatch returns the first pending batch after afterBatchID,
	// or nil.
	NextMutationBatch(ctx context.Context, afterBatchID int) (*model.MutationBatch, error)
	// LastRemoteSnapshotVersion is the version of the last applied remote
	// event.
	LastRemoteSnapshotVersion() model.SnapshotVersion
	// RemoteDocumentKeys returns the keys the backend last reported as
	// matching a target.
	RemoteDocumentKeys(ctx context.Context, targetID int) (*model.DocumentKeySet, error)
}

// RemoteSyncer receives what the RemoteStore learns from the backend. Its
// methods are called on the async queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event *RemoteEvent) error
	// RejectListen reports a target the backend refused or dropped.
	RejectListen(ctx context.Context, targetID int, cause error) error
	ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error
	// RejectFailedWrite reports a batch that failed with a permanent error.
	RejectFailedWrite(ctx context.Context, batchID int, cause error) error
	HandleOnlineStateChange(state OnlineState)
}

// Options are optional arguments to NewRemoteStore.
type Options struct {
	Logger log.Logger
	// MaxPendingWrites bounds the number of batches loaded into the write
	// pipeline. Defaults to DefaultMaxPendingWrites.
	MaxPendingWrites int
	// WriteBackoff paces retries of commits that failed with a transient
	// error.
	WriteBackoff gax.Backoff
	// ListenBackoff paces reopening the watch stream after it failed.
	ListenBackoff gax.Backoff
}

// RemoteStore keeps the backend informed of the targets the client listens
// to and the batches it wrote, and feeds what the backend reports back to a
// RemoteSyncer.
//
// All methods must be called on the async queue the store was created with.
// Transport callbacks are moved onto the queue.
type RemoteStore struct {
	logger    log.Logger
	local     LocalStore
	datastore *Datastore
	queue     *asyncqueue.Queue
	syncer    RemoteSyncer
	opts      Options

	networkEnabled bool
	onlineState    OnlineState

	// listenTargets are the targets the client wants to listen to, whether
	// or not the watch stream is open.
	listenTargets map[int]query.TargetData
	// pendingTargetResponses counts unacknowledged listen and unlisten
	// requests per target on the current watch stream.
	pendingTargetResponses map[int]int
	accumulatedChanges     []WatchChange
	watch                  WatchStream
	// watchGen identifies the current watch stream. Callbacks from older
	// streams are ignored.
	watchGen      int
	watchFailures int
	watchBackoff  gax.Backoff
	watchRestart  *asyncqueue.DelayedOperation

	// pendingWrites are batches sent or about to be sent, in batch id order.
	pendingWrites []*model.MutationBatch
	lastBatchSeen int
	writeInFlight bool
	// writeGen is bumped when the network is disabled, so that results of
	// commits in flight are dropped.
	writeGen     int
	writeBackoff gax.Backoff
	writeRetry   *asyncqueue.DelayedOperation
}

// NewRemoteStore returns a RemoteStore with the network disabled. Call
// SetSyncer, then Start.
func NewRemoteStore(local LocalStore, ds *Datastore, q *asyncqueue.Queue, opts *Options) *RemoteStore {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.MaxPendingWrites <= 0 {
		o.MaxPendingWrites = DefaultMaxPendingWrites
	}
	return &RemoteStore{
		logger:                 log.With(o.Logger, "component", "remotestore"),
		local:                  local,
		datastore:              ds,
		queue:                  q,
		opts:                   o,
		listenTargets:          map[int]query.TargetData{},
		pendingTargetResponses: map[int]int{},
		lastBatchSeen:          model.BatchIDUnknown,
		watchBackoff:           o.ListenBackoff,
		writeBackoff:           o.WriteBackoff,
	}
}

// SetSyncer sets the receiver of remote events and write results.
func (rs *RemoteStore) SetSyncer(s RemoteSyncer) { rs.syncer = s }

// Start enables the network.
func (rs *RemoteStore) Start(ctx context.Context) error {
	gcerr.Assert(rs.syncer != nil, "RemoteStore started without a syncer")
	return rs.EnableNetwork(ctx)
}

// OnlineState returns the current online state.
func (rs *RemoteStore) OnlineState() OnlineState { return rs.onlineState }

// EnableNetwork opens the watch stream if targets are listened to and sends
// pending writes.
func (rs *RemoteStore) EnableNetwork(ctx context.Context) error {
	if rs.networkEnabled {
		return nil
	}
	rs.networkEnabled = true
	rs.setOnlineState(OnlineStateUnknown)
	if rs.shouldStartWatch() {
		rs.startWatch(ctx)
	}
	return rs.FillWritePipeline(ctx)
}

// DisableNetwork closes the watch stream, stops sending writes and reports
// the client offline. Pending writes are sent again when the network is
// enabled.
func (rs *RemoteStore) DisableNetwork(ctx context.Context) error {
	rs.disableNetworkInternal()
	rs.setOnlineState(OnlineStateOffline)
	return nil
}

func (rs *RemoteStore) disableNetworkInternal() {
	if !rs.networkEnabled {
		return
	}
	rs.networkEnabled = false
	rs.stopWatch()
	if rs.watchRestart != nil {
		rs.watchRestart.Cancel()
		rs.watchRestart = nil
	}
	if rs.writeRetry != nil {
		rs.writeRetry.Cancel()
		rs.writeRetry = nil
	}
	rs.writeGen++
	rs.writeInFlight = false
	rs.pendingWrites = nil
	rs.lastBatchSeen = model.BatchIDUnknown
	rs.writeBackoff = rs.opts.WriteBackoff
	rs.watchBackoff = rs.opts.ListenBackoff
	rs.watchFailures = 0
}

// Shutdown closes the streams. The store cannot be restarted.
func (rs *RemoteStore) Shutdown(ctx context.Context) error {
	level.Debug(rs.logger).Log("op", "Shutdown")
	rs.disableNetworkInternal()
	rs.setOnlineState(OnlineStateUnknown)
	return nil
}

// HandleUserChange restarts the streams so that they carry the new user's
// credentials, and reloads the new user's batches.
func (rs *RemoteStore) HandleUserChange(ctx context.Context) error {
	if !rs.networkEnabled {
		return nil
	}
	level.Debug(rs.logger).Log("op", "HandleUserChange", "msg", "restarting streams")
	rs.disableNetworkInternal()
	return rs.EnableNetwork(ctx)
}

// Listen starts watching a target. It panics if the target is already
// listened to.
func (rs *RemoteStore) Listen(ctx context.Context, td query.TargetData) {
	if _, ok := rs.listenTargets[td.TargetID]; ok {
		gcerr.Fail("listen called with duplicate target id %d", td.TargetID)
	}
	rs.listenTargets[td.TargetID] = td
	if rs.watch != nil {
		rs.sendWatchRequest(td)
	} else if rs.shouldStartWatch() {
		rs.startWatch(ctx)
	}
}

// Unlisten stops watching a target. It panics if the target is not listened
// to.
func (rs *RemoteStore) Unlisten(ctx context.Context, targetID int) {
	if _, ok := rs.listenTargets[targetID]; !ok {
		gcerr.Fail("unlisten called without assigned target id %d", targetID)
	}
	delete(rs.listenTargets, targetID)
	if rs.watch == nil {
		return
	}
	rs.sendUnwatchRequest(targetID)
	if len(rs.listenTargets) == 0 {
		rs.stopWatch()
		rs.setOnlineState(OnlineStateUnknown)
	}
}

func (rs *RemoteStore) shouldStartWatch() bool {
	return rs.networkEnabled && rs.watch == nil && rs.watchRestart == nil && len(rs.listenTargets) > 0
}

func (rs *RemoteStore) startWatch(ctx context.Context) {
	rs.watchGen++
	h := &watchHandler{rs: rs, gen: rs.watchGen}
	s, err := rs.datastore.Watch(ctx, h)
	if err != nil {
		rs.handleWatchClose(ctx, rs.watchGen, err)
		return
	}
	rs.watch = s
	// Send in target id order so that the stream is reproducible.
	ids := make([]int, 0, len(rs.listenTargets))
	for id := range rs.listenTargets {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		rs.sendWatchRequest(rs.listenTargets[id])
	}
}

func (rs *RemoteStore) stopWatch() {
	if rs.watch == nil {
		return
	}
	w := rs.watch
	rs.cleanUpWatchState()
	// Orphan the stream's callbacks before closing it.
	rs.watchGen++
	if err := w.Close(); err != nil {
		level.Warn(rs.logger).Log("op", "stopWatch", "msg", "closing watch stream failed", "err", err)
	}
}

func (rs *RemoteStore) cleanUpWatchState() {
	rs.watch = nil
	rs.pendingTargetResponses = map[int]int{}
	rs.accumulatedChanges = nil
}

func (rs *RemoteStore) sendWatchRequest(td query.TargetData) {
	rs.pendingTargetResponses[td.TargetID]++
	if err := rs.watch.Listen(td); err != nil {
		level.Warn(rs.logger).Log("op", "sendWatchRequest", "target", td.TargetID, "err", err)
	}
}

func (rs *RemoteStore) sendUnwatchRequest(targetID int) {
	rs.pendingTargetResponses[targetID]++
	if err := rs.watch.Unlisten(targetID); err != nil {
		level.Warn(rs.logger).Log("op", "sendUnwatchRequest", "target", targetID, "err", err)
	}
}

type watchHandler struct {
	rs  *RemoteStore
	gen int
}

func (h *watchHandler) OnWatchChange(change WatchChange, v model.SnapshotVersion) {
	h.rs.queue.EnqueueAndForget("remote.OnWatchChange", func(ctx context.Context) error {
		if h.gen != h.rs.watchGen {
			return nil
		}
		return h.rs.handleWatchChange(ctx, change, v)
	})
}

func (h *watchHandler) OnWatchClose(err error) {
	h.rs.queue.EnqueueAndForget("remote.OnWatchClose", func(ctx context.Context) error {
		h.rs.handleWatchClose(ctx, h.gen, err)
		return nil
	})
}

func (rs *RemoteStore) handleWatchChange(ctx context.Context, change WatchChange, v model.SnapshotVersion) error {
	rs.watchFailures = 0
	rs.watchBackoff = rs.opts.ListenBackoff
	rs.setOnlineState(OnlineStateOnline)

	if tc, ok := change.(*WatchTargetChange); ok && tc.State == WatchRemoved && tc.Cause != nil {
		// Target errors are not part of a consistent snapshot.
		return rs.handleTargetError(ctx, tc)
	}
	rs.accumulatedChanges = append(rs.accumulatedChanges, change)
	if v.IsMin() || v.Compare(rs.local.LastRemoteSnapshotVersion()) < 0 {
		return nil
	}
	changes := rs.accumulatedChanges
	rs.accumulatedChanges = nil
	return rs.handleWatchChangeBatch(ctx, v, changes)
}

func (rs *RemoteStore) handleWatchChangeBatch(ctx context.Context, v model.SnapshotVersion, changes []WatchChange) error {
	agg := NewWatchChangeAggregator(v, rs.listenTargets, rs.pendingTargetResponses)
	agg.Add(changes...)
	event := agg.CreateRemoteEvent()
	rs.pendingTargetResponses = agg.PendingTargetResponses

	var mismatched []int
	for id, count := range agg.ExistenceFilters {
		td, ok := rs.listenTargets[id]
		if !ok {
			continue
		}
		if td.Query.IsDocumentQuery() {
			if count == 0 {
				// The document was deleted while the target was not
				// watched; the backend sends no delete for it.
				event.AddDocumentUpdate(model.NewNoDocument(model.NewDocumentKey(td.Query.Path), v))
			} else {
				gcerr.Assert(count == 1, "single document existence filter with count %d", count)
			}
			continue
		}
		keys, err := rs.local.RemoteDocumentKeys(ctx, id)
		if err != nil {
			return err
		}
		if tc, ok := event.TargetChanges[id]; ok && tc.Mapping != nil {
			keys = tc.Mapping.Apply(keys)
		}
		if keys.Len() != count {
			level.Debug(rs.logger).Log("op", "handleWatchChangeBatch", "msg", "existence filter mismatch",
				"target", id, "local", keys.Len(), "remote", count)
			event.HandleExistenceFilterMismatch(id)
			mismatched = append(mismatched, id)
		}
	}

	for id, tc := range event.TargetChanges {
		if len(tc.ResumeToken) == 0 {
			continue
		}
		if td, ok := rs.listenTargets[id]; ok {
			rs.listenTargets[id] = td.WithResumeToken(tc.ResumeToken, tc.SnapshotVersion)
		}
	}

	// Listen again from scratch to get the full result set.
	sort.Ints(mismatched)
	for _, id := range mismatched {
		td, ok := rs.listenTargets[id]
		if !ok {
			continue
		}
		td = td.WithResumeToken(nil, td.SnapshotVersion)
		rs.listenTargets[id] = td
		if rs.watch != nil {
			rs.sendUnwatchRequest(id)
			rs.sendWatchRequest(td.WithPurpose(query.PurposeExistenceFilterMismatch))
		}
	}
	return rs.syncer.ApplyRemoteEvent(ctx, event)
}

func (rs *RemoteStore) handleTargetError(ctx context.Context, tc *WatchTargetChange) error {
	for _, id := range tc.TargetIDs {
		if _, ok := rs.listenTargets[id]; !ok {
			continue
		}
		level.Debug(rs.logger).Log("op", "handleTargetError", "target", id, "err", tc.Cause)
		delete(rs.listenTargets, id)
		delete(rs.pendingTargetResponses, id)
		if err := rs.syncer.RejectListen(ctx, id, tc.Cause); err != nil {
			return err
		}
	}
	return nil
}

func (rs *RemoteStore) handleWatchClose(ctx context.Context, gen int, err error) {
	if gen != rs.watchGen {
		return
	}
	rs.cleanUpWatchState()
	if err == nil {
		return
	}
	level.Debug(rs.logger).Log("op", "handleWatchClose", "msg", "watch stream failed", "err", err)
	if !rs.networkEnabled || len(rs.listenTargets) == 0 {
		rs.setOnlineState(OnlineStateUnknown)
		return
	}
	rs.watchFailures++
	if rs.watchFailures >= maxWatchStreamFailures {
		rs.setOnlineState(OnlineStateOffline)
	}
	rs.watchRestart = rs.queue.EnqueueAfterDelay(asyncqueue.TimerListenBackoff, rs.watchBackoff.Pause(), func(ctx context.Context) error {
		rs.watchRestart = nil
		if rs.shouldStartWatch() {
			rs.startWatch(ctx)
		}
		return nil
	})
}

// FillWritePipeline loads pending batches from the local store until the
// pipeline is full, and sends the first one if nothing is in flight.
func (rs *RemoteStore) FillWritePipeline(ctx context.Context) error {
	for rs.networkEnabled && len(rs.pendingWrites) < rs.opts.MaxPendingWrites {
		batch, err := rs.local.NextMutationBatch(ctx, rs.lastBatchSeen)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		rs.lastBatchSeen = batch.BatchID
		rs.pendingWrites = append(rs.pendingWrites, batch)
	}
	rs.maybeCommit(ctx)
	return nil
}

// PendingWriteCount returns the number of batches in the write pipeline.
func (rs *RemoteStore) PendingWriteCount() int { return len(rs.pendingWrites) }

func (rs *RemoteStore) maybeCommit(ctx context.Context) {
	if !rs.networkEnabled || rs.writeInFlight || rs.writeRetry != nil || len(rs.pendingWrites) == 0 {
		return
	}
	rs.writeInFlight = true
	batch := rs.pendingWrites[0]
	gen := rs.writeGen
	go func() {
		resp, err := rs.datastore.Commit(ctx, batch.Mutations)
		rs.queue.EnqueueAndForget("remote.commitDone", func(ctx context.Context) error {
			if gen != rs.writeGen {
				return nil
			}
			return rs.handleCommitResult(ctx, batch, resp, err)
		})
	}()
}

func (rs *RemoteStore) handleCommitResult(ctx context.Context, batch *model.MutationBatch, resp *CommitResponse, err error) error {
	rs.writeInFlight = false
	stats.writeDone(err)
	if err != nil && !IsPermanentWriteError(err) {
		level.Debug(rs.logger).Log("op", "handleCommitResult", "msg", "transient write error, retrying", "batch", batch.BatchID, "err", err)
		rs.setOnlineState(OnlineStateOffline)
		rs.scheduleWriteRetry(rs.writeBackoff.Pause())
		return nil
	}
	gcerr.Assert(len(rs.pendingWrites) > 0 && rs.pendingWrites[0] == batch, "commit result for batch %d is not at the head of the pipeline", batch.BatchID)
	rs.pendingWrites[0] = nil
	rs.pendingWrites = rs.pendingWrites[1:]
	rs.writeBackoff = rs.opts.WriteBackoff
	if err != nil {
		level.Warn(rs.logger).Log("op", "handleCommitResult", "msg", "write rejected", "batch", batch.BatchID, "err", err)
		if err := rs.syncer.RejectFailedWrite(ctx, batch.BatchID, err); err != nil {
			return err
		}
	} else {
		result := model.NewMutationBatchResult(batch, resp.CommitVersion, resp.Results, resp.StreamToken)
		if err := rs.syncer.ApplySuccessfulWrite(ctx, result); err != nil {
			return err
		}
	}
	return rs.FillWritePipeline(ctx)
}

func (rs *RemoteStore) scheduleWriteRetry(d time.Duration) {
	rs.writeRetry = rs.queue.EnqueueAfterDelay(asyncqueue.TimerWriteBackoff, d, func(ctx context.Context) error {
		rs.writeRetry = nil
		rs.maybeCommit(ctx)
		return nil
	})
}

func (rs *RemoteStore) setOnlineState(s OnlineState) {
	if s == rs.onlineState {
		return
	}
	level.Debug(rs.logger).Log("op", "setOnlineState", "state", s)
	rs.onlineState = s
	stats.onlineState.Set(float64(s))
	if rs.syncer != nil {
		rs.syncer.HandleOnlineStateChange(s)
	}
}
