// Package pipeline drives a collection's progression through
// converted -> sorted -> indexed, coordinating the Converter, External
// Sorter, Collection Indexer, and Meta-Index Builder behind a
// resumable, resource-aware state machine.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/cmn/debug"
	"github.com/cdxlabs/cdxidx/cmn/fname"
	"github.com/cdxlabs/cdxidx/cmn/mono"
	"github.com/cdxlabs/cdxidx/cmn/nlog"
	"github.com/cdxlabs/cdxidx/collindex"
	"github.com/cdxlabs/cdxidx/convert"
	"github.com/cdxlabs/cdxidx/metaindex"
	"github.com/cdxlabs/cdxidx/progress"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/shard"
	"github.com/cdxlabs/cdxidx/sortshard"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds the resource budgets and directory roots the
// orchestrator enforces, sourced from cmn/cfg.Config.
type Config struct {
	RawRoot      string
	ShardRoot    string
	IndexRoot    string
	ProgressRoot string

	Workers                int
	MemoryBudget           int64
	DiskFloorBytes         int64
	MalformedLineThreshold float64
	SortBatchBytes         int64
}

const (
	maxRetries  = 4
	baseBackoff = 200 * time.Millisecond

	// convertMemoryEstimate is the per-task memory weight charged against
	// the orchestrator's budget for one in-flight conversion: gzip's
	// decompressor window, the line scanner's buffer, and the row.Writer's
	// open scratch-file handles, none of which scale with shard size.
	convertMemoryEstimate = 4 << 20
)

// Orchestrator drives one or more collections through the pipeline,
// bounded by a worker-pool semaphore and a memory-budget semaphore
// shared across all in-flight collections.
type Orchestrator struct {
	cfg     Config
	workers *semaphore.Weighted // counts in-flight tasks, weight 1 each, capacity Workers
	memory  *semaphore.Weighted // counts outstanding memory budget, weight = estimated bytes

	mu        sync.Mutex
	cancelled bool
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
		memory:  semaphore.NewWeighted(cfg.MemoryBudget),
	}
}

// RunCollection drives one collection from its current progress-record
// state to indexed, or until ctx is cancelled or a deterministic
// failure quarantines it.
func (o *Orchestrator) RunCollection(ctx context.Context, collection string, shardIDs []int) error {
	prog, err := progress.Open(o.cfg.ProgressRoot, collection)
	if err != nil {
		return err
	}
	defer prog.Close()

	runID := cos.GenUUID()
	nlog.Infof("run %s: collection %s entering pipeline at state %s", runID, collection, prog.Snapshot().State)

	store := shard.New(o.cfg.ShardRoot, collection)

	if err := o.downloadStage(store, prog, collection, shardIDs); err != nil {
		return errors.Wrapf(err, "run %s", runID)
	}
	if err := o.convertStage(ctx, store, prog, shardIDs); err != nil {
		return errors.Wrapf(err, "run %s", runID)
	}
	if err := o.sortStage(ctx, store, prog, shardIDs); err != nil {
		return errors.Wrapf(err, "run %s", runID)
	}
	if err := o.indexStage(ctx, store, prog, collection, shardIDs); err != nil {
		return errors.Wrapf(err, "run %s", runID)
	}
	if st := prog.Snapshot().State; st != progress.StateIndexed {
		return errors.Errorf("run %s: collection %s stopped at state %s", runID, collection, st)
	}
	if err := o.metaindexStage(collection); err != nil {
		return errors.Wrapf(err, "run %s", runID)
	}
	nlog.Infof("run %s: collection %s indexed", runID, collection)
	return nil
}

// RunConvertOnly drives just the convert stage for an already-open
// progress actor. Exposed for tests and tools exercising partial
// pipeline runs (e.g. verifying resumability after a simulated crash);
// RunCollection itself always drives the full state machine.
func (o *Orchestrator) RunConvertOnly(ctx context.Context, store *shard.Store, prog *progress.Actor, shardIDs []int) error {
	return o.convertStage(ctx, store, prog, shardIDs)
}

// Cancel causes subsequent dispatch calls to refuse new work; in-flight
// tasks observe ctx cancellation cooperatively at their own batch
// boundaries.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	o.mu.Unlock()
}

func (o *Orchestrator) refused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// downloadStage stages any raw shard an external downloader has dropped
// under RawRoot/<collection>/ into the shard store, then records the
// collection downloaded once every expected shard has a raw, unsorted,
// or sorted representation. The download transport itself (fetching
// bytes from the network) is an external collaborator; this stage only
// performs the local hand-off into shard_root.
func (o *Orchestrator) downloadStage(store *shard.Store, prog *progress.Actor, collection string, shardIDs []int) error {
	for _, id := range shardIDs {
		if _, err := os.Stat(store.RawPath(id)); err == nil {
			continue
		}
		if _, err := os.Stat(store.UnsortedPath(id)); err == nil {
			continue
		}
		if _, err := os.Stat(store.SortedPath(id)); err == nil {
			continue
		}
		staged := filepath.Join(o.cfg.RawRoot, collection, fmt.Sprintf("%d%s", id, fname.RawExt))
		if _, err := os.Stat(staged); err != nil {
			return cos.NewErrNotFound("raw shard %s (staged at %s)", store.RawPath(id), staged)
		}
		if err := os.MkdirAll(filepath.Dir(store.RawPath(id)), 0o755); err != nil {
			return cos.NewErrOutputUnwritable("mkdir %s: %v", filepath.Dir(store.RawPath(id)), err)
		}
		if err := os.Rename(staged, store.RawPath(id)); err != nil {
			return cos.NewErrOutputUnwritable("stage %s -> %s: %v", staged, store.RawPath(id), err)
		}
	}
	snap := prog.Snapshot()
	if snap.State == progress.StateAbsent {
		return prog.SetState(progress.StateDownloaded)
	}
	return nil
}

func (o *Orchestrator) convertStage(ctx context.Context, store *shard.Store, prog *progress.Actor, shardIDs []int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range shardIDs {
		id := id
		snap := prog.Snapshot()
		if snap.Shards[id] == progress.ShardConverted || snap.Shards[id] == progress.ShardSorted {
			continue // idempotent: already converted (or further along)
		}
		if _, err := os.Stat(store.UnsortedPath(id)); err == nil {
			prog.SetShardStage(id, progress.ShardConverted)
			continue
		}
		g.Go(func() error { return o.convertOne(gctx, store, prog, id) })
	}
	return g.Wait()
}

// convertScratchDir holds the private per-row-column scratch files a
// row.Writer spills to while streaming a shard's rows. The housekeeper's
// sweep removes only `.building` files, so scratch files left by a
// process that dies mid-write stay here.
func (o *Orchestrator) convertScratchDir(collection string) string {
	return filepath.Join(o.cfg.ShardRoot, ".scratch", collection, "convert")
}

func (o *Orchestrator) convertOne(ctx context.Context, store *shard.Store, prog *progress.Actor, id int) error {
	// A conversion holds at most one row's fields resident at a time
	// (convert.Convert streams into a row.Writer), but the row.Writer's
	// own scratch files and the os/gzip buffers around it still cost
	// real bytes; account a fixed per-task estimate rather than the
	// nominal 1-byte weight a fully in-memory conversion would need.
	memWeight, err := o.gateDispatch(ctx, convertMemoryEstimate)
	if err != nil {
		return err
	}
	defer o.workers.Release(1)
	defer o.memory.Release(memWeight)

	start := mono.NanoTime()
	err = retryTransient(ctx, func() error {
		f, err := os.Open(store.RawPath(id))
		if err != nil {
			if os.IsNotExist(err) {
				return cos.NewErrNotFound("raw shard %s", store.RawPath(id))
			}
			return cos.NewErrInputUnreadable("open %s: %v", store.RawPath(id), err)
		}
		defer f.Close()

		scratch := filepath.Join(o.convertScratchDir(prog.Snapshot().Collection), fmt.Sprintf("%d-%s", id, cos.CryptoRandS(8)))
		w, err := row.NewWriter(scratch)
		if err != nil {
			return cos.NewErrOutputUnwritable("%v", err)
		}

		res, cerr := convert.Convert(f, w)
		if cerr != nil {
			w.Close()
			return cerr
		}
		if threshErr := convert.CheckThreshold(res, o.cfg.MalformedLineThreshold); threshErr != nil {
			w.Close()
			prog.SetShardStage(id, progress.ShardQuarantined)
			prog.Quarantine(threshErr.Error())
			return nil // deterministic: quarantined, not retried
		}
		debug.Assert(res.RowsWritten == w.RowCount(), "convert: row count mismatch")
		if _, err := store.WriteColumnarStream(store.UnsortedPath(id), w); err != nil {
			return err
		}
		return prog.SetShardStage(id, progress.ShardConverted)
	})
	nlog.Infof("convert shard %d: %s", id, mono.Since(start))
	return err
}

func (o *Orchestrator) sortStage(ctx context.Context, store *shard.Store, prog *progress.Actor, shardIDs []int) error {
	scratch := filepath.Join(o.cfg.ShardRoot, ".scratch", prog.Snapshot().Collection)
	sorter := sortshard.New(scratch, o.cfg.SortBatchBytes)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range shardIDs {
		id := id
		snap := prog.Snapshot()
		if snap.Shards[id] != progress.ShardConverted {
			continue // not ready, or already sorted/quarantined
		}
		if _, err := os.Stat(store.SortedPath(id)); err == nil {
			prog.SetShardStage(id, progress.ShardSorted)
			continue
		}
		g.Go(func() error { return o.sortOne(gctx, store, prog, sorter, id) })
	}
	return g.Wait()
}

func (o *Orchestrator) sortOne(ctx context.Context, store *shard.Store, prog *progress.Actor, sorter *sortshard.Sorter, id int) error {
	memWeight, err := o.gateDispatch(ctx, o.cfg.SortBatchBytes)
	if err != nil {
		return err
	}
	defer o.workers.Release(1)
	defer o.memory.Release(memWeight)

	start := mono.NanoTime()
	err = retryTransient(ctx, func() error {
		if _, err := os.Stat(store.SortedPath(id)); err == nil {
			return prog.SetShardStage(id, progress.ShardSorted) // already sorted: idempotent
		}

		f, rd, rerr := openUnsorted(store, id)
		if rerr != nil {
			return rerr
		}
		defer f.Close()

		if err := sorter.CheckScratch(int64(rd.RowCount()) * 256); err != nil {
			return err
		}
		sortedWriter, serr := sorter.Sort(rd)
		if serr != nil {
			return serr
		}
		n, werr := store.WriteColumnarStream(store.SortedPath(id), sortedWriter)
		if werr != nil {
			return werr
		}
		debug.Assert(n > 0 || rd.RowCount() == 0, "sort: wrote an empty shard for a non-empty input")
		return prog.SetShardStage(id, progress.ShardSorted)
	})
	nlog.Infof("sort shard %d: %s", id, mono.Since(start))
	return err
}

func (o *Orchestrator) indexStage(ctx context.Context, store *shard.Store, prog *progress.Actor, collection string, shardIDs []int) error {
	snap := prog.Snapshot()
	for _, id := range shardIDs {
		if snap.Shards[id] != progress.ShardSorted {
			return nil // not all shards sorted yet; index build deferred
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	finalPath := filepath.Join(o.cfg.IndexRoot, collectionIndexPath(collection))
	if _, err := os.Stat(finalPath); err == nil {
		return prog.SetState(progress.StateIndexed) // idempotent: already built
	}

	b := collindex.NewBuilder(store)
	if _, err := b.Build(finalPath); err != nil {
		prog.Quarantine(err.Error())
		return err
	}
	return prog.SetState(progress.StateIndexed)
}

func (o *Orchestrator) metaindexStage(collection string) error {
	year, err := metaindex.YearOf(collection)
	if err != nil {
		return err
	}
	// A full rebuild is cheap (meta-indexes carry no capture rows), so
	// staleness is resolved by just rebuilding rather than diffing.
	refs, err := metaindex.DiscoverCollectionRefs(o.cfg.IndexRoot, year, collindex.CountHosts, collindex.CountShards)
	if err != nil {
		return err
	}
	_, err = metaindex.BuildYear(o.cfg.IndexRoot, year, refs)
	if err != nil {
		return err
	}
	_, err = metaindex.BuildMaster(o.cfg.IndexRoot)
	return err
}

// gateDispatch enforces cancellation, the disk-floor check, and the
// worker/memory semaphores before a task may proceed. memWeight that
// can never be satisfied by the orchestrator's total budget is a
// deterministic precondition failure, surfaced immediately rather than
// blocking forever (or silently serializing behind a clamp) on the
// memory semaphore; on success the caller must release the returned
// weight when done. A dispatch that blocks on the semaphores and is
// then cancelled surfaces as ErrCancelled, not ErrInsufficientMemory:
// the budget could satisfy it, the wait just didn't finish in time.
func (o *Orchestrator) gateDispatch(ctx context.Context, memWeight int64) (int64, error) {
	if o.refused() {
		return 0, cos.NewErrCancelled("dispatch refused")
	}
	if err := o.checkDiskFloor(); err != nil {
		return 0, err
	}
	if memWeight > o.cfg.MemoryBudget {
		return 0, cos.NewErrInsufficientMemory(memWeight, o.cfg.MemoryBudget)
	}
	if err := o.workers.Acquire(ctx, 1); err != nil {
		return 0, cos.NewErrCancelled("worker dispatch")
	}
	if err := o.memory.Acquire(ctx, memWeight); err != nil {
		o.workers.Release(1)
		return 0, cos.NewErrCancelled("memory dispatch")
	}
	return memWeight, nil
}

func (o *Orchestrator) checkDiskFloor() error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(o.cfg.ShardRoot, &st); err != nil {
		return nil // root not yet created; nothing to gate on
	}
	avail := int64(st.Bavail) * int64(st.Bsize)
	if avail < o.cfg.DiskFloorBytes {
		return cos.NewErrInsufficientScratch(o.cfg.DiskFloorBytes, avail)
	}
	return nil
}

func retryTransient(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return cos.NewErrCancelled("retry loop")
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		backoff := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		nlog.Warningf("transient error (attempt %d/%d), backing off %s: %v", attempt+1, maxRetries+1, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return cos.NewErrCancelled("retry backoff")
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	return cos.IsErrNotFound(err) || asInputUnreadable(err)
}

func asInputUnreadable(err error) bool {
	_, ok := err.(*cos.ErrInputUnreadable)
	return ok
}

// openUnsorted opens an unsorted columnar shard for random access
// without decoding any rows, so the sorter can read it back in
// memory-budget-sized batches instead of requiring the whole shard
// resident up front.
func openUnsorted(store *shard.Store, id int) (*os.File, *row.Reader, error) {
	path := store.UnsortedPath(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, cos.NewErrNotFound("unsorted shard %s", path)
		}
		return nil, nil, cos.NewErrInputUnreadable("open %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, cos.NewErrInputUnreadable("stat %s: %v", path, err)
	}
	rd, err := row.NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, nil, cos.NewErrArtifactCorrupted("%s: %v", path, err)
	}
	return f, rd, nil
}

func collectionIndexPath(collection string) string {
	return filepath.Join(fname.ByCollectionDir, collection+fname.PointerIndexExt)
}
