// Package progress persists per-collection pipeline progress records: a
// collection-level state plus per-shard stage markers, serialized
// through a dedicated single-writer actor goroutine per collection.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package progress

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/cmn/fname"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var js = jsoniter.ConfigFastest

// State is a collection's normalized lifecycle stage.
type State string

const (
	StateAbsent      State = "absent"
	StateDownloaded  State = "downloaded"
	StateConverted   State = "converted"
	StateSorted      State = "sorted"
	StateIndexed     State = "indexed"
	StateQuarantined State = "quarantined"
)

// ShardStage marks how far one shard has advanced.
type ShardStage string

const (
	ShardDownloaded ShardStage = "downloaded"
	ShardConverted  ShardStage = "converted"
	ShardSorted     ShardStage = "sorted"
	ShardQuarantined ShardStage = "quarantined"
)

// Record is the durable per-collection progress record.
type Record struct {
	Collection string                `json:"collection"`
	State      State                 `json:"state"`
	Shards     map[int]ShardStage    `json:"shards"`
	Reason     string                `json:"reason,omitempty"` // set when State == quarantined
}

func newRecord(collection string) *Record {
	return &Record{Collection: collection, State: StateAbsent, Shards: make(map[int]ShardStage)}
}

// mutation is one request processed by the single-writer actor.
type mutation struct {
	apply func(*Record)
	done  chan error
}

// Actor owns one collection's progress file and applies mutations
// serially from a single goroutine, matching the spec's "serialized
// through a dedicated actor/task" design note.
type Actor struct {
	path      string
	rec       *Record
	reqs      chan mutation
	done      chan struct{}
	closeOnce sync.Once
}

// Open loads (or initializes) the progress record at
// progressRoot/<collection>.progress and starts its owning actor
// goroutine. Call Close when done.
func Open(progressRoot, collection string) (*Actor, error) {
	path := filepath.Join(progressRoot, collection+fname.ProgressExt)
	rec, err := load(path, collection)
	if err != nil {
		return nil, err
	}
	a := &Actor{path: path, rec: rec, reqs: make(chan mutation), done: make(chan struct{})}
	go a.run()
	return a, nil
}

func load(path, collection string) (*Record, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newRecord(collection), nil
	}
	if err != nil {
		return nil, cos.NewErrInputUnreadable("read %s: %v", path, err)
	}
	var rec Record
	if err := js.Unmarshal(b, &rec); err != nil {
		return nil, cos.NewErrArtifactCorrupted("progress record %s: %v", path, err)
	}
	if rec.Shards == nil {
		rec.Shards = make(map[int]ShardStage)
	}
	return &rec, nil
}

func (a *Actor) run() {
	for {
		select {
		case m, ok := <-a.reqs:
			if !ok {
				close(a.done)
				return
			}
			m.apply(a.rec)
			m.done <- a.persist()
		}
	}
}

func (a *Actor) persist() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return cos.NewErrOutputUnwritable("mkdir %s: %v", filepath.Dir(a.path), err)
	}
	b, err := js.MarshalIndent(a.rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "progress: marshal")
	}
	tmp := a.path + fname.BuildingSuffix
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return cos.NewErrOutputUnwritable("write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return cos.NewErrOutputUnwritable("rename %s -> %s: %v", tmp, a.path, err)
	}
	return nil
}

// Mutate applies fn to the record under the actor's single-writer
// discipline and persists the result atomically before returning.
func (a *Actor) Mutate(fn func(*Record)) error {
	done := make(chan error, 1)
	a.reqs <- mutation{apply: fn, done: done}
	return <-done
}

// Snapshot returns a copy of the current in-memory record. Safe to call
// concurrently with Mutate; reads a coherent snapshot since the mutation
// that produced it already completed before Snapshot observes it (the
// caller must not rely on Snapshot reflecting a Mutate issued after it
// returns but not yet applied).
func (a *Actor) Snapshot() Record {
	var out Record
	a.Mutate(func(r *Record) {
		cp := *r
		cp.Shards = make(map[int]ShardStage, len(r.Shards))
		for k, v := range r.Shards {
			cp.Shards[k] = v
		}
		out = cp
	})
	return out
}

// SetShardStage records one shard's stage and persists.
func (a *Actor) SetShardStage(shardID int, stage ShardStage) error {
	return a.Mutate(func(r *Record) { r.Shards[shardID] = stage })
}

// SetState transitions the collection-level state and persists.
func (a *Actor) SetState(state State) error {
	return a.Mutate(func(r *Record) { r.State = state })
}

// Quarantine marks the collection quarantined with reason and persists.
func (a *Actor) Quarantine(reason string) error {
	return a.Mutate(func(r *Record) {
		r.State = StateQuarantined
		r.Reason = reason
	})
}

// Close stops the actor goroutine. Idempotent, safe for concurrent callers.
func (a *Actor) Close() {
	a.closeOnce.Do(func() { close(a.reqs) })
	<-a.done
}
