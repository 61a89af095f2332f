// Package shard provides the on-disk shard store for one collection:
// listing, atomic write-then-rename of new shards, and random-access
// reads of sorted shards.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/cmn/fname"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/pkg/errors"
)

// Store roots one collection's shard files under root/collection/.
type Store struct {
	root       string
	collection string
}

func New(root, collection string) *Store {
	return &Store{root: root, collection: collection}
}

func (s *Store) dir() string { return filepath.Join(s.root, s.collection) }

// State describes one shard's on-disk stage, derived from file-name
// discipline rather than a side index.
type State int

const (
	StateRaw State = iota
	StateUnsorted
	StateSorted
)

func (st State) String() string {
	switch st {
	case StateRaw:
		return "raw"
	case StateUnsorted:
		return "unsorted"
	case StateSorted:
		return "sorted"
	}
	return "unknown"
}

type Info struct {
	ShardID int
	State   State
	Path    string
}

// List enumerates every shard of the collection, most-advanced state wins
// when more than one representation of the same shard_id exists (e.g.
// both .columnar and .columnar.sorted present mid-pipeline).
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "shard: list %s", s.dir())
	}
	byID := make(map[int]Info)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, fname.BuildingSuffix) {
			continue
		}
		id, st, ok := parseShardName(name)
		if !ok {
			continue
		}
		if existing, found := byID[id]; !found || st > existing.State {
			byID[id] = Info{ShardID: id, State: st, Path: filepath.Join(s.dir(), name)}
		}
	}
	out := make([]Info, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

func parseShardName(name string) (id int, st State, ok bool) {
	switch {
	case strings.HasSuffix(name, fname.ColumnarSortedExt):
		st = StateSorted
		name = strings.TrimSuffix(name, fname.ColumnarSortedExt)
	case strings.HasSuffix(name, fname.ColumnarExt):
		st = StateUnsorted
		name = strings.TrimSuffix(name, fname.ColumnarExt)
	case strings.HasSuffix(name, fname.RawExt):
		st = StateRaw
		name = strings.TrimSuffix(name, fname.RawExt)
	default:
		return 0, 0, false
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, 0, false
	}
	return n, st, true
}

func (s *Store) RawPath(shardID int) string       { return s.pathFor(shardID, fname.RawExt) }
func (s *Store) UnsortedPath(shardID int) string  { return s.pathFor(shardID, fname.ColumnarExt) }
func (s *Store) SortedPath(shardID int) string     { return s.pathFor(shardID, fname.ColumnarSortedExt) }

func (s *Store) pathFor(shardID int, ext string) string {
	return filepath.Join(s.dir(), fmt.Sprintf("%d%s", shardID, ext))
}

// WriteColumnar atomically materializes a batch at finalPath: writes to a
// `.building` sibling, fsyncs, then renames over any existing file.
func (s *Store) WriteColumnar(finalPath string, b *row.Batch) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return errors.Wrapf(cos.NewErrOutputUnwritable("mkdir %s: %v", filepath.Dir(finalPath), err), "")
	}
	tmp := finalPath + fname.BuildingSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return cos.NewErrOutputUnwritable("create %s: %v", tmp, err)
	}
	if _, err := b.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return cos.NewErrOutputUnwritable("write %s: %v", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return cos.NewErrOutputUnwritable("sync %s: %v", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cos.NewErrOutputUnwritable("close %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		return cos.NewErrOutputUnwritable("rename %s -> %s: %v", tmp, finalPath, err)
	}
	return nil
}

// WriteColumnarStream atomically materializes a streamed row.Writer at
// finalPath, the streaming counterpart to WriteColumnar: writes to a
// `.building` sibling, fsyncs, then renames over any existing file.
// The writer's scratch files are released as part of the flush
// regardless of outcome.
func (s *Store) WriteColumnarStream(finalPath string, rw *row.Writer) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		rw.Close()
		return 0, cos.NewErrOutputUnwritable("mkdir %s: %v", filepath.Dir(finalPath), err)
	}
	tmp := finalPath + fname.BuildingSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		rw.Close()
		return 0, cos.NewErrOutputUnwritable("create %s: %v", tmp, err)
	}
	n, werr := rw.Flush(f)
	if werr != nil {
		f.Close()
		os.Remove(tmp)
		return n, cos.NewErrOutputUnwritable("write %s: %v", tmp, werr)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return n, cos.NewErrOutputUnwritable("sync %s: %v", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return n, cos.NewErrOutputUnwritable("close %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		return n, cos.NewErrOutputUnwritable("rename %s -> %s: %v", tmp, finalPath, err)
	}
	return n, nil
}

// MarkSorted atomically renames an unsorted shard's file to its sorted
// name, for content that is already in sorted order; it does not sort.
// The pipeline's sort stage does not use it: it writes the sorter's
// output to SortedPath through WriteColumnarStream (a `.building`
// sibling, then rename) and leaves the unsorted file in place.
func (s *Store) MarkSorted(shardID int) error {
	from, to := s.UnsortedPath(shardID), s.SortedPath(shardID)
	if err := os.Rename(from, to); err != nil {
		return cos.NewErrOutputUnwritable("mark sorted %s -> %s: %v", from, to, err)
	}
	return nil
}

// OpenSorted opens a read-only handle onto a sorted shard, validating the
// magic/footer rather than trusting the `.columnar.sorted` extension
// alone.
func (s *Store) OpenSorted(shardID int) (*Handle, error) {
	path := s.SortedPath(shardID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cos.NewErrNotFound("sorted shard %s", path)
		}
		return nil, cos.NewErrInputUnreadable("open %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cos.NewErrInputUnreadable("stat %s: %v", path, err)
	}
	rd, err := row.NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, cos.NewErrArtifactCorrupted("%s: %v", path, err)
	}
	return &Handle{f: f, rd: rd, path: path}, nil
}

// Handle is a read-only view onto one sorted shard.
type Handle struct {
	f    *os.File
	rd   *row.Reader
	path string
}

func (h *Handle) RowCount() int { return h.rd.RowCount() }
func (h *Handle) Path() string  { return h.path }

// ReadRows materializes rows [rowOffset, rowOffset+rowCount) by random
// access, without decoding the rest of the shard.
func (h *Handle) ReadRows(rowOffset, rowCount int) ([]row.CaptureRow, error) {
	rows, err := h.rd.ReadRows(rowOffset, rowCount)
	if err != nil {
		return nil, cos.NewErrArtifactCorrupted("%s: %v", h.path, err)
	}
	return rows, nil
}

func (h *Handle) Close() error { return h.f.Close() }
