/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cdxlabs/cdxidx/cmn/fname"
	"github.com/cdxlabs/cdxidx/collindex"
	"github.com/cdxlabs/cdxidx/metaindex"
	"github.com/urfave/cli"
)

var indexCommand = cli.Command{
	Name:  "index",
	Usage: "maintain the year and master meta-index tiers",
	Subcommands: []cli.Command{
		indexRebuildMetaCommand,
	},
}

var indexRebuildMetaCommand = cli.Command{
	Name:  "rebuild-meta",
	Usage: "rebuild every year index and the master index from the sealed collection indexes on disk",
	Action: runIndexRebuildMeta,
}

func runIndexRebuildMeta(c *cli.Context) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	years, err := discoverYears(conf.IndexRoot)
	if err != nil {
		return err
	}

	for _, year := range years {
		refs, err := metaindex.DiscoverCollectionRefs(conf.IndexRoot, year, collindex.CountHosts, collindex.CountShards)
		if err != nil {
			return err
		}
		path, err := metaindex.BuildYear(conf.IndexRoot, year, refs)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "rebuilt %s (%d collections)\n", path, len(refs))
	}

	masterPath, err := metaindex.BuildMaster(conf.IndexRoot)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "rebuilt %s\n", masterPath)
	return nil
}

// discoverYears derives the distinct set of years encoded by every
// sealed collection index under indexRoot/by_collection.
func discoverYears(indexRoot string) ([]string, error) {
	dir := filepath.Join(indexRoot, fname.ByCollectionDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var years []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fname.PointerIndexExt) {
			continue
		}
		collection := strings.TrimSuffix(e.Name(), fname.PointerIndexExt)
		year, err := metaindex.YearOf(collection)
		if err != nil {
			continue
		}
		if _, ok := seen[year]; ok {
			continue
		}
		seen[year] = struct{}{}
		years = append(years, year)
	}
	return years, nil
}
