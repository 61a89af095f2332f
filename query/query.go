// Package query answers host lookups by fanning a request out through
// the master, year, and collection index tiers and materializing
// pointer rows from the shards they reference.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package query

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/collindex"
	"github.com/cdxlabs/cdxidx/metaindex"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/shard"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Filter narrows a host query by crawl identifier, year range, and
// capture timestamp range; zero values mean unbounded.
type Filter struct {
	Collections  []string // exact collection ids; empty = no restriction
	YearMin      string   // inclusive, "" = unbounded
	YearMax      string   // inclusive, "" = unbounded
	TimestampMin string   // inclusive, "" = unbounded
	TimestampMax string   // inclusive, "" = unbounded
	Limit        int      // 0 = unbounded
}

func (f Filter) collectionAllowed(collection string) bool {
	if len(f.Collections) == 0 {
		return true
	}
	for _, c := range f.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

func (f Filter) yearAllowed(year string) bool {
	if f.YearMin != "" && year < f.YearMin {
		return false
	}
	if f.YearMax != "" && year > f.YearMax {
		return false
	}
	return true
}

func (f Filter) timestampAllowed(ts string) bool {
	if f.TimestampMin != "" && ts < f.TimestampMin {
		return false
	}
	if f.TimestampMax != "" && ts > f.TimestampMax {
		return false
	}
	return true
}

// PointerRow is one materialized capture row, tagged with the
// collection it came from.
type PointerRow struct {
	Collection   string
	ShardID      int
	URL          string
	Host         string
	Timestamp    string
	WARCFilename string
	WARCOffset   int64
	WARCLength   int64
}

// Result is the outcome of one Query call. Degraded entries never fail
// the whole query: every collection/run that did succeed is still
// represented in Rows.
type Result struct {
	Rows                []PointerRow
	DegradedCollections []string // "<collection>: <reason>"
	DegradedRuns        []string // "<collection>/<shard_id>@<row_offset>: <reason>"
	Truncated           bool     // Limit was reached before every candidate was read
}

// Engine plans and executes host queries over the corpus rooted at
// indexRoot (collection/year/master indexes) and shardRoot (sorted
// shard content).
type Engine struct {
	indexRoot   string
	shardRoot   string
	concurrency int64
}

func New(indexRoot, shardRoot string, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{indexRoot: indexRoot, shardRoot: shardRoot, concurrency: int64(concurrency)}
}

// candidate is one collection index eligible for lookup, per planning.
type candidate struct {
	collection string
	path       string
}

// Query resolves host (an exact host, or "*.example.com" meaning "host
// ends with example.com") against every collection index admitted by
// filter, materializes the matching rows, and returns them in
// (year, collection) order; within a collection, an exact host's rows
// come in (shard, row) order and a "*.domain" query's rows come in
// host_reversed order first.
func (e *Engine) Query(ctx context.Context, host string, filter Filter) (*Result, error) {
	candidates, err := e.plan(filter)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	perCollection := make([][]PointerRow, len(candidates))
	var degradedColl, degradedRun cos.Errs

	sem := semaphore.NewWeighted(e.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				degradedColl.Add(fmt.Errorf("%s: %w", c.collection, cos.NewErrTimeout("acquire concurrency slot")))
				return nil
			}
			defer sem.Release(1)
			if gctx.Err() != nil {
				degradedColl.Add(fmt.Errorf("%s: %w", c.collection, cos.NewErrTimeout("query")))
				return nil
			}
			rows, err := e.queryCollection(gctx, c, host, filter, &degradedRun)
			if err != nil {
				degradedColl.Add(fmt.Errorf("%s: %v", c.collection, err))
				return nil
			}
			perCollection[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.DegradedCollections = degradedColl.Strings()
	res.DegradedRuns = degradedRun.Strings()
	for i := range candidates {
		for _, r := range perCollection[i] {
			if filter.Limit > 0 && len(res.Rows) >= filter.Limit {
				res.Truncated = true
				return res, nil
			}
			res.Rows = append(res.Rows, r)
		}
	}
	return res, nil
}

// plan opens the master and year registries and returns every
// collection index eligible under filter, in deterministic
// (year, collection) order so query output order is stable across
// repeated calls against the same corpus state.
func (e *Engine) plan(filter Filter) ([]candidate, error) {
	master, err := metaindex.LoadMaster(filepath.Join(e.indexRoot, "master.index"))
	if err != nil {
		return nil, err
	}

	years := append([]metaindex.YearRef(nil), master.Years...)
	sort.Slice(years, func(i, j int) bool { return years[i].Year < years[j].Year })

	var out []candidate
	for _, yr := range years {
		if !filter.yearAllowed(yr.Year) {
			continue
		}
		yi, err := metaindex.LoadYear(yr.Path)
		if err != nil {
			continue // a missing/corrupt year index degrades its collections away, not the whole plan
		}
		cols := append([]metaindex.CollectionRef(nil), yi.Collections...)
		sort.Slice(cols, func(i, j int) bool { return cols[i].Collection < cols[j].Collection })
		for _, c := range cols {
			if !filter.collectionAllowed(c.Collection) {
				continue
			}
			out = append(out, candidate{collection: c.Collection, path: c.Path})
		}
	}
	return out, nil
}

// queryCollection resolves host within one collection index and
// materializes every admitted row, reporting per-run failures as
// degraded rather than aborting the collection.
func (e *Engine) queryCollection(ctx context.Context, c candidate, host string, filter Filter, degraded *cos.Errs) ([]PointerRow, error) {
	idx, err := collindex.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	runs, err := lookupRuns(idx, host)
	if err != nil {
		return nil, err
	}

	store := shard.New(e.shardRoot, c.collection)
	var rows []PointerRow
	for _, r := range runs {
		if ctx.Err() != nil {
			degraded.Add(fmt.Errorf("%s/%d@%d: %w", c.collection, r.ShardID, r.RowOffset, cos.NewErrTimeout("query")))
			continue
		}
		materialized, err := materializeRun(store, c.collection, r, filter)
		if err != nil {
			degraded.Add(fmt.Errorf("%s/%d@%d: %v", c.collection, r.ShardID, r.RowOffset, err))
			continue
		}
		rows = append(rows, materialized...)
	}
	return rows, nil
}

// lookupRuns treats a "*.domain" host as a host_reversed prefix query
// (every host ending with domain, including domain itself); any other
// host is looked up exactly.
func lookupRuns(idx *collindex.Index, host string) ([]collindex.Run, error) {
	if strings.HasPrefix(host, "*.") {
		domain := strings.TrimPrefix(host, "*.")
		return idx.LookupSuffix(row.ReverseHost(domain))
	}
	return idx.LookupExact(host)
}

func materializeRun(store *shard.Store, collection string, r collindex.Run, filter Filter) ([]PointerRow, error) {
	h, err := store.OpenSorted(r.ShardID)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	captured, err := h.ReadRows(r.RowOffset, r.RowCount)
	if err != nil {
		return nil, err
	}

	out := make([]PointerRow, 0, len(captured))
	for _, cr := range captured {
		if !filter.timestampAllowed(cr.Timestamp) {
			continue
		}
		out = append(out, PointerRow{
			Collection:   collection,
			ShardID:      r.ShardID,
			URL:          cr.URL,
			Host:         cr.Host,
			Timestamp:    cr.Timestamp,
			WARCFilename: cr.WARCFilename,
			WARCOffset:   cr.WARCOffset,
			WARCLength:   cr.WARCLength,
		})
	}
	return out, nil
}
