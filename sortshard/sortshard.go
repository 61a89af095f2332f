// Package sortshard rewrites an unsorted columnar shard into a sorted
// shard, totally ordered by (host_reversed, url, timestamp), using a
// memory-bounded batch-sort-then-k-way-merge.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sortshard

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/pkg/errors"
)

// spillTokenLen is the length of the per-Sort-call scratch-file token
// that keeps concurrent Sort calls sharing one Sorter (and therefore
// one scratchDir) from colliding on spill run filenames.
const spillTokenLen = 8

// estimateRowSize is a conservative per-row memory estimate used to cap
// batch size against the configured budget, since CaptureRow holds
// variable-length strings whose exact footprint isn't known until
// decoded.
const estimateRowSize = 256

// Sorter rewrites unsorted shards into sorted ones under scratchDir,
// spilling intermediate runs there when a shard's rows exceed the
// in-memory batch budget.
type Sorter struct {
	scratchDir string
	batchBytes int64
}

func New(scratchDir string, batchBytes int64) *Sorter {
	return &Sorter{scratchDir: scratchDir, batchBytes: batchBytes}
}

// CheckScratch returns ErrInsufficientScratch if fewer than needed bytes
// are free on the filesystem hosting scratchDir. scratchDir need not
// exist yet (Sort creates it); CheckScratch walks up to the nearest
// existing ancestor to statfs the right filesystem.
func (s *Sorter) CheckScratch(needed int64) error {
	dir := s.scratchDir
	for {
		var st syscall.Statfs_t
		err := syscall.Statfs(dir, &st)
		if err == nil {
			avail := int64(st.Bavail) * int64(st.Bsize)
			if avail < needed {
				return cos.NewErrInsufficientScratch(needed, avail)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return errors.Wrapf(err, "sortshard: statfs %s", dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return errors.Wrapf(err, "sortshard: statfs %s", s.scratchDir)
		}
		dir = parent
	}
}

// Sort reads src (an unsorted shard opened for random access) in
// row batches sized to the configured memory budget and returns a
// row.Writer streaming (host_reversed, url, timestamp)-ordered output;
// the caller flushes it to the final sorted-shard path. Resident
// memory at any point is bounded by one batch, never by the whole
// shard: rows exceeding the budget are spilled as sorted run files
// under scratchDir and merged with a container/heap min-heap that
// pulls one row at a time from each run.
func (s *Sorter) Sort(src *row.Reader) (*row.Writer, error) {
	maxRows := int(s.batchBytes / estimateRowSize)
	if maxRows <= 0 {
		maxRows = 1
	}
	if src.RowCount() <= maxRows {
		rows, err := src.ReadRows(0, src.RowCount())
		if err != nil {
			return nil, cos.NewErrArtifactCorrupted("sortshard: %v", err)
		}
		sort.Slice(rows, func(i, j int) bool { return row.Less(rows[i], rows[j]) })

		w, err := row.NewWriter(s.scratchDir)
		if err != nil {
			return nil, cos.NewErrOutputUnwritable("%v", err)
		}
		for _, r := range rows {
			if err := w.WriteRow(r); err != nil {
				w.Close()
				return nil, cos.NewErrOutputUnwritable("%v", err)
			}
		}
		return w, nil
	}
	return s.sortBySpill(src, maxRows)
}

func (s *Sorter) sortBySpill(src *row.Reader, maxRows int) (*row.Writer, error) {
	if err := os.MkdirAll(s.scratchDir, 0o755); err != nil {
		return nil, cos.NewErrOutputUnwritable("mkdir scratch %s: %v", s.scratchDir, err)
	}

	// Distinct token per call: sortStage runs one Sorter across every
	// shard of a collection concurrently, so two in-flight Sort calls
	// share scratchDir and would otherwise both start numbering their
	// spill runs from 0.
	token := cos.CryptoRandS(spillTokenLen)

	var runPaths []string
	defer func() {
		for _, p := range runPaths {
			os.Remove(p)
		}
	}()

	total := src.RowCount()
	for i := 0; i < total; i += maxRows {
		end := i + maxRows
		if end > total {
			end = total
		}
		batch, err := src.ReadRows(i, end-i)
		if err != nil {
			return nil, cos.NewErrArtifactCorrupted("sortshard: %v", err)
		}
		sort.Slice(batch, func(a, b int) bool { return row.Less(batch[a], batch[b]) })

		runPath := filepath.Join(s.scratchDir, fmt.Sprintf("run-%s-%d.columnar", token, len(runPaths)))
		f, err := os.Create(runPath)
		if err != nil {
			return nil, cos.NewErrOutputUnwritable("create run %s: %v", runPath, err)
		}
		_, werr := (&row.Batch{Rows: batch}).WriteTo(f)
		cerr := f.Close()
		if werr != nil {
			return nil, cos.NewErrOutputUnwritable("write run %s: %v", runPath, werr)
		}
		if cerr != nil {
			return nil, cos.NewErrOutputUnwritable("close run %s: %v", runPath, cerr)
		}
		runPaths = append(runPaths, runPath)
	}

	return mergeRuns(s.scratchDir, runPaths)
}

// runCursor tracks one spilled run's next unread row.
type runCursor struct {
	runID int
	f     *os.File
	rd    *row.Reader
	pos   int
	cur   row.CaptureRow
	ok    bool
}

func (c *runCursor) advance() error {
	if c.pos >= c.rd.RowCount() {
		c.ok = false
		return nil
	}
	rows, err := c.rd.ReadRows(c.pos, 1)
	if err != nil {
		return err
	}
	c.cur = rows[0]
	c.pos++
	c.ok = true
	return nil
}

// mergeHeap orders cursors by composite key, breaking ties on run id for
// stability across equal-key rows originating from different runs.
type mergeHeap []*runCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if row.Less(h[i].cur, h[j].cur) {
		return true
	}
	if row.Less(h[j].cur, h[i].cur) {
		return false
	}
	return h[i].runID < h[j].runID
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*runCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// mergeRuns k-way merges the spilled runs and streams the merged order
// one row at a time into a fresh row.Writer, so the merged shard is
// never resident as a single in-memory slice.
func mergeRuns(scratchDir string, runPaths []string) (*row.Writer, error) {
	var cursors []*runCursor
	defer func() {
		for _, c := range cursors {
			c.f.Close()
		}
	}()

	for i, p := range runPaths {
		f, err := os.Open(p)
		if err != nil {
			return nil, cos.NewErrInputUnreadable("open run %s: %v", p, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, cos.NewErrInputUnreadable("stat run %s: %v", p, err)
		}
		rd, err := row.NewReader(f, fi.Size())
		if err != nil {
			f.Close()
			return nil, cos.NewErrArtifactCorrupted("run %s: %v", p, err)
		}
		c := &runCursor{runID: i, f: f, rd: rd}
		if err := c.advance(); err != nil {
			return nil, err
		}
		if c.ok {
			cursors = append(cursors, c)
		}
		// cursors exhausted at creation (empty run) are simply not
		// pushed onto the heap.
	}

	h := mergeHeap(cursors)
	heap.Init(&h)

	w, err := row.NewWriter(scratchDir)
	if err != nil {
		return nil, cos.NewErrOutputUnwritable("%v", err)
	}
	for h.Len() > 0 {
		c := heap.Pop(&h).(*runCursor)
		if err := w.WriteRow(c.cur); err != nil {
			w.Close()
			return nil, cos.NewErrOutputUnwritable("%v", err)
		}
		if err := c.advance(); err != nil {
			w.Close()
			return nil, err
		}
		if c.ok {
			heap.Push(&h, c)
		}
	}
	return w, nil
}

// IsAlreadySorted reports whether an existing sorted shard's row count
// matches wantRows. The pipeline's sort stage does not call it: it skips
// a shard whose sorted file already exists, without comparing row counts.
func IsAlreadySorted(existingRowCount, wantRows int) bool {
	return existingRowCount == wantRows
}
