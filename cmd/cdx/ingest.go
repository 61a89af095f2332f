/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cdxlabs/cdxidx/cmn/cfg"
	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/cmn/nlog"
	"github.com/cdxlabs/cdxidx/pipeline"
	"github.com/cdxlabs/cdxidx/progress"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

var ingestCommand = cli.Command{
	Name:  "ingest",
	Usage: "drive a collection through the ingestion pipeline",
	Subcommands: []cli.Command{
		ingestRunCommand,
		ingestStatusCommand,
	},
}

var ingestRunCommand = cli.Command{
	Name:      "run",
	Usage:     "run (or resume) a collection to the indexed state",
	ArgsUsage: "--collection COLLECTION --shards 0,1,2",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "collection"},
		cli.StringFlag{Name: "shards", Usage: "comma-separated shard ids"},
	},
	Action: runIngestRun,
}

var ingestStatusCommand = cli.Command{
	Name:      "status",
	Usage:     "show a collection's current pipeline progress",
	ArgsUsage: "--collection COLLECTION",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "collection"},
	},
	Action: runIngestStatus,
}

func loadConfig() (*cfg.Config, error) {
	c, err := cfg.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := nlog.SetOutput(c.LogDir, "cdx", c.AlsoLogStderr); err != nil {
		return nil, err
	}
	return c, nil
}

func parseShardIDs(raw string) ([]int, error) {
	if raw == "" {
		return nil, newInvalidArgs("--shards is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, newInvalidArgs("invalid shard id %q: %v", p, err)
		}
		ids = append(ids, n)
	}
	return ids, nil
}

func runIngestRun(c *cli.Context) error {
	collection := c.String("collection")
	if err := cos.ValidateID("collection", collection); err != nil {
		return newInvalidArgs("%v", err)
	}
	shardIDs, err := parseShardIDs(c.String("shards"))
	if err != nil {
		return err
	}

	conf, err := loadConfig()
	if err != nil {
		return err
	}

	o := pipeline.New(pipeline.Config{
		RawRoot:                conf.RawRoot,
		ShardRoot:              conf.ShardRoot,
		IndexRoot:              conf.IndexRoot,
		ProgressRoot:           conf.ProgressRoot,
		Workers:                conf.Workers,
		MemoryBudget:           conf.MemoryBudget,
		DiskFloorBytes:         conf.DiskFloorBytes,
		MalformedLineThreshold: conf.MalformedLineThreshold,
		SortBatchBytes:         conf.SortBatchBytes,
	})

	if err := o.RunCollection(context.Background(), collection, shardIDs); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "collection %s indexed\n", collection)
	return nil
}

func runIngestStatus(c *cli.Context) error {
	collection := c.String("collection")
	if err := cos.ValidateID("collection", collection); err != nil {
		return newInvalidArgs("%v", err)
	}
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	prog, err := progress.Open(conf.ProgressRoot, collection)
	if err != nil {
		return err
	}
	defer prog.Close()
	snap := prog.Snapshot()

	p := mpb.New(mpb.WithWidth(40))
	total := stageWeight(progress.StateIndexed)
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name(collection)),
		mpb.AppendDecorators(decor.Percentage()),
	)
	bar.SetCurrent(int64(stageWeight(snap.State)))
	p.Wait()

	fmt.Fprintf(c.App.Writer, "collection=%s state=%s", collection, snap.State)
	if snap.Reason != "" {
		fmt.Fprintf(c.App.Writer, " reason=%q", snap.Reason)
	}
	fmt.Fprintln(c.App.Writer)
	for id, stage := range snap.Shards {
		fmt.Fprintf(c.App.Writer, "  shard %d: %s\n", id, stage)
	}
	return nil
}

// stageWeight orders collection lifecycle states for progress-bar
// rendering only; it has no bearing on pipeline semantics.
func stageWeight(s progress.State) int {
	switch s {
	case progress.StateAbsent:
		return 0
	case progress.StateDownloaded:
		return 1
	case progress.StateConverted:
		return 2
	case progress.StateSorted:
		return 3
	case progress.StateIndexed:
		return 4
	case progress.StateQuarantined:
		return 4
	}
	return 0
}
