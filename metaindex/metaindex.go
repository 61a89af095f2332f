// Package metaindex builds and serves the year and master meta-index
// tiers: small, no-capture-rows registries referencing collection and
// year indexes respectively.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package metaindex

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/cmn/fname"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var js = jsoniter.ConfigFastest

// CollectionRef is one collection index's entry in its year's registry.
type CollectionRef struct {
	Collection string `json:"collection"`
	Path       string `json:"path"`
	HostCount  int    `json:"host_count"`
	ShardCount int    `json:"shard_count"`
	BuiltAt    string `json:"built_at"` // RFC3339
}

// YearIndex registers every collection index whose identifier encodes
// one year; it stores no capture rows, only references and aggregates.
type YearIndex struct {
	Year        string          `json:"year"`
	Collections []CollectionRef `json:"collections"`
	GeneratedAt string          `json:"generated_at"` // RFC3339
}

func (y *YearIndex) TotalHosts() int {
	n := 0
	for _, c := range y.Collections {
		n += c.HostCount
	}
	return n
}

// YearRef is one year index's entry in the master registry.
type YearRef struct {
	Year           string `json:"year"`
	Path           string `json:"path"`
	CollectionCount int   `json:"collection_count"`
}

// MasterIndex registers every year index in the corpus.
type MasterIndex struct {
	Years       []YearRef `json:"years"`
	GeneratedAt string    `json:"generated_at"` // RFC3339
}

// YearOf extracts the authoritative YYYY substring from a
// CC-MAIN-YYYY-WW collection identifier.
func YearOf(collection string) (string, error) {
	parts := strings.Split(collection, "-")
	for _, p := range parts {
		if len(p) == 4 {
			if _, err := strconv.Atoi(p); err == nil {
				return p, nil
			}
		}
	}
	return "", errors.Errorf("metaindex: cannot derive year from collection id %q", collection)
}

// BuildYear performs a full rebuild of one year's registry from the
// supplied collection refs and atomically replaces the on-disk file.
func BuildYear(indexRoot, year string, refs []CollectionRef) (string, error) {
	yi := &YearIndex{Year: year, Collections: refs, GeneratedAt: NowRFC3339()}
	path := filepath.Join(indexRoot, fname.ByYearDir, year+fname.YearIndexExt)
	if err := atomicWriteJSON(path, yi); err != nil {
		return "", err
	}
	return path, nil
}

// BuildMaster performs a full rebuild of the master registry by
// discovering every *.year_index file under indexRoot/by_year.
func BuildMaster(indexRoot string) (string, error) {
	dir := filepath.Join(indexRoot, fname.ByYearDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		entries = nil
	} else if err != nil {
		return "", cos.NewErrInputUnreadable("read %s: %v", dir, err)
	}

	mi := &MasterIndex{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fname.YearIndexExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		yi, err := LoadYear(path)
		if err != nil {
			return "", err
		}
		mi.Years = append(mi.Years, YearRef{
			Year:            yi.Year,
			Path:            path,
			CollectionCount: len(yi.Collections),
		})
	}

	mi.GeneratedAt = NowRFC3339()
	path := filepath.Join(indexRoot, fname.MasterIndexBasename)
	if err := atomicWriteJSON(path, mi); err != nil {
		return "", err
	}
	return path, nil
}

func LoadYear(path string) (*YearIndex, error) {
	var yi YearIndex
	if err := loadJSON(path, &yi); err != nil {
		return nil, err
	}
	return &yi, nil
}

func LoadMaster(path string) (*MasterIndex, error) {
	var mi MasterIndex
	if err := loadJSON(path, &mi); err != nil {
		return nil, err
	}
	return &mi, nil
}

func loadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cos.NewErrNotFound("%s", path)
		}
		return cos.NewErrInputUnreadable("read %s: %v", path, err)
	}
	if err := js.Unmarshal(b, v); err != nil {
		return cos.NewErrArtifactCorrupted("%s: %v", path, err)
	}
	return nil
}

func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cos.NewErrOutputUnwritable("mkdir %s: %v", filepath.Dir(path), err)
	}
	b, err := js.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "metaindex: marshal")
	}
	tmp := path + fname.BuildingSuffix
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return cos.NewErrOutputUnwritable("write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cos.NewErrOutputUnwritable("rename %s -> %s: %v", tmp, path, err)
	}
	return nil
}

// NowRFC3339 stamps a freshly-built YearIndex or MasterIndex with its
// build time.
func NowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// DiscoverCollectionRefs scans indexRoot/by_collection for every sealed
// collection index whose identifier encodes year, and builds a
// CollectionRef for each via countHosts/countShards (typically
// collindex.CountHosts/collindex.CountShards, injected to avoid an
// import cycle).
func DiscoverCollectionRefs(indexRoot, year string, countHosts, countShards func(path string) (int, error)) ([]CollectionRef, error) {
	dir := filepath.Join(indexRoot, fname.ByCollectionDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cos.NewErrInputUnreadable("read %s: %v", dir, err)
	}

	var refs []CollectionRef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fname.PointerIndexExt) {
			continue
		}
		collection := strings.TrimSuffix(e.Name(), fname.PointerIndexExt)
		y, err := YearOf(collection)
		if err != nil || y != year {
			continue
		}
		path := filepath.Join(dir, e.Name())
		fi, err := e.Info()
		if err != nil {
			continue
		}
		hostCount := 0
		if countHosts != nil {
			if n, err := countHosts(path); err == nil {
				hostCount = n
			}
		}
		shardCount := 0
		if countShards != nil {
			if n, err := countShards(path); err == nil {
				shardCount = n
			}
		}
		refs = append(refs, CollectionRef{
			Collection: collection,
			Path:       path,
			HostCount:  hostCount,
			ShardCount: shardCount,
			BuiltAt:    fi.ModTime().UTC().Format(time.RFC3339),
		})
	}
	return refs, nil
}
