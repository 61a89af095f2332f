// Package collindex builds and serves the per-collection pointer index:
// host -> ordered list of host runs, backed by an embedded ordered KV
// store supporting both exact-host lookup and host-reversed prefix
// range scans.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package collindex

import (
	"fmt"
	"os"
	"strings"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/cmn/fname"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/shard"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

var js = jsoniter.ConfigFastest

const hostReversedIndex = "host_reversed_idx"

// Run is one host's contiguous row range within a single sorted shard.
type Run struct {
	Host         string `json:"host"`
	HostReversed string `json:"host_reversed"`
	ShardID      int    `json:"shard_id"`
	RowOffset    int    `json:"row_offset"`
	RowCount     int    `json:"row_count"`
}

func (r Run) key() string {
	return fmt.Sprintf("%s\x00%08d\x00%012d", r.Host, r.ShardID, r.RowOffset)
}

// Builder scans a collection's sorted shards and emits a sealed
// collection index.
type Builder struct {
	store *shard.Store
}

func NewBuilder(store *shard.Store) *Builder { return &Builder{store: store} }

// Build performs one linear scan per sorted shard, identifies host-run
// boundaries, and writes every run into a buntdb database at a
// `.building` path, then atomically renames it to finalPath (sealing).
// Shards are processed in ascending shard_id order, so runs within a
// host are emitted in ascending (shard_id, row_offset) order as required.
func (b *Builder) Build(finalPath string) (int, error) {
	infos, err := b.store.List()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(parentOf(finalPath), 0o755); err != nil {
		return 0, cos.NewErrOutputUnwritable("mkdir %s: %v", parentOf(finalPath), err)
	}

	buildPath := finalPath + fname.BuildingSuffix
	os.Remove(buildPath)
	db, err := buntdb.Open(buildPath)
	if err != nil {
		return 0, cos.NewErrOutputUnwritable("open %s: %v", buildPath, err)
	}
	if err := db.CreateIndex(hostReversedIndex, "*", buntdb.IndexJSON("host_reversed")); err != nil {
		db.Close()
		return 0, errors.Wrapf(err, "collindex: create secondary index")
	}

	runCount := 0
	for _, info := range infos {
		if info.State != shard.StateSorted {
			continue
		}
		h, err := b.store.OpenSorted(info.ShardID)
		if err != nil {
			db.Close()
			return 0, err
		}
		runs, err := scanRuns(h, info.ShardID)
		total := h.RowCount()
		h.Close()
		if err != nil {
			db.Close()
			return 0, err
		}
		if err := VerifyRunCoverage(runs, total); err != nil {
			db.Close()
			return 0, cos.NewErrArtifactCorrupted("shard %d: %v", info.ShardID, err)
		}
		if err := insertRuns(db, runs); err != nil {
			db.Close()
			return 0, err
		}
		runCount += len(runs)
	}

	if err := db.Shrink(); err != nil {
		db.Close()
		return 0, errors.Wrap(err, "collindex: shrink")
	}
	if err := db.Close(); err != nil {
		return 0, cos.NewErrOutputUnwritable("close %s: %v", buildPath, err)
	}
	if err := os.Rename(buildPath, finalPath); err != nil {
		return 0, cos.NewErrOutputUnwritable("seal %s -> %s: %v", buildPath, finalPath, err)
	}
	return runCount, nil
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// scanRuns performs the single linear scan identifying host-run
// boundaries within one sorted shard: rows where host changes, or the
// shard ends.
func scanRuns(h *shard.Handle, shardID int) ([]Run, error) {
	const chunk = 4096
	total := h.RowCount()
	var runs []Run
	var cur *Run
	var pos int

	flush := func() {
		if cur != nil {
			runs = append(runs, *cur)
			cur = nil
		}
	}

	for pos < total {
		n := chunk
		if pos+n > total {
			n = total - pos
		}
		rows, err := h.ReadRows(pos, n)
		if err != nil {
			return nil, err
		}
		for i, r := range rows {
			rowIdx := pos + i
			if cur != nil && cur.Host == r.Host {
				cur.RowCount++
				continue
			}
			flush()
			cur = &Run{Host: r.Host, HostReversed: r.HostReversed, ShardID: shardID, RowOffset: rowIdx, RowCount: 1}
		}
		pos += n
	}
	flush()
	return runs, nil
}

func insertRuns(db *buntdb.DB, runs []Run) error {
	return db.Update(func(tx *buntdb.Tx) error {
		for _, r := range runs {
			b, err := js.Marshal(r)
			if err != nil {
				return errors.Wrap(err, "collindex: marshal run")
			}
			if _, _, err := tx.Set(r.key(), string(b), nil); err != nil {
				return errors.Wrap(err, "collindex: set run")
			}
		}
		return nil
	})
}

// Index is a read-only, sealed collection index.
type Index struct {
	db *buntdb.DB
}

func Open(path string) (*Index, error) {
	// buntdb.Open creates a new empty database at path if none exists,
	// which would silently turn a missing collection index into an
	// empty (rather than degraded) query result; stat first so a
	// missing sealed index reports NotFound instead.
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, cos.NewErrNotFound("collection index %s", path)
		}
		return nil, cos.NewErrInputUnreadable("stat %s: %v", path, err)
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cos.NewErrInputUnreadable("open %s: %v", path, err)
	}
	if err := db.CreateIndex(hostReversedIndex, "*", buntdb.IndexJSON("host_reversed")); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "collindex: create secondary index on open")
	}
	return &Index{db: db}, nil
}

func (x *Index) Close() error { return x.db.Close() }

// LookupExact returns every run whose host equals host, in ascending
// (shard_id, row_offset) order (the natural key order).
func (x *Index) LookupExact(host string) ([]Run, error) {
	var out []Run
	prefix := host + "\x00"
	err := x.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", prefix, func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			var r Run
			if err := js.UnmarshalFromString(value, &r); err == nil {
				out = append(out, r)
			}
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "collindex: lookup exact")
	}
	return out, nil
}

// LookupSuffix returns every run whose host_reversed equals
// reversedPrefix or extends it by whole labels (reversedPrefix followed
// by '.'), i.e. every host ending with the original domain, ordered by
// host_reversed ascending.
func (x *Index) LookupSuffix(reversedPrefix string) ([]Run, error) {
	var out []Run
	// The secondary index compares JSON documents, so the pivot is one too.
	pivot := fmt.Sprintf(`{"host_reversed":%q}`, reversedPrefix)
	err := x.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual(hostReversedIndex, pivot, func(key, value string) bool {
			var r Run
			if err := js.UnmarshalFromString(value, &r); err != nil {
				return true
			}
			if !strings.HasPrefix(r.HostReversed, reversedPrefix) {
				return false
			}
			if r.HostReversed != reversedPrefix && !strings.HasPrefix(r.HostReversed, reversedPrefix+".") {
				return true // same string prefix, different label (com.examplefoo)
			}
			out = append(out, r)
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "collindex: lookup suffix")
	}
	return out, nil
}

// CountHosts returns the number of distinct hosts carried by the index,
// used to populate a year meta-index's aggregate host_count.
func CountHosts(path string) (int, error) {
	idx, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	seen := make(map[string]struct{})
	err = idx.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var r Run
			if jsErr := js.UnmarshalFromString(value, &r); jsErr == nil {
				seen[r.Host] = struct{}{}
			}
			return true
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "collindex: count hosts")
	}
	return len(seen), nil
}

// CountShards returns the number of distinct sorted shards carried by the
// index, used to populate a year meta-index's CollectionRef.ShardCount.
func CountShards(path string) (int, error) {
	idx, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	seen := make(map[int]struct{})
	err = idx.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var r Run
			if jsErr := js.UnmarshalFromString(value, &r); jsErr == nil {
				seen[r.ShardID] = struct{}{}
			}
			return true
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "collindex: count shards")
	}
	return len(seen), nil
}
