/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cdxlabs/cdxidx/query"
	"github.com/fatih/color"
	"github.com/urfave/cli"
)

var (
	fgreen  = color.New(color.FgGreen).SprintFunc()
	fyellow = color.New(color.FgYellow).SprintFunc()
	fred    = color.New(color.FgRed).SprintFunc()
)

var queryCommand = cli.Command{
	Name:      "query",
	Usage:     "answer host lookups against the built index",
	Subcommands: []cli.Command{
		queryHostCommand,
	},
}

var queryHostCommand = cli.Command{
	Name:      "host",
	Usage:     "look up every capture for a host, or a *.domain suffix",
	ArgsUsage: "--host HOST",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "host"},
		cli.StringSliceFlag{Name: "collection", Usage: "restrict to one or more collection ids (repeatable)"},
		cli.StringFlag{Name: "year-min"},
		cli.StringFlag{Name: "year-max"},
		cli.StringFlag{Name: "ts-min"},
		cli.StringFlag{Name: "ts-max"},
		cli.IntFlag{Name: "limit"},
	},
	Action: runQueryHost,
}

func runQueryHost(c *cli.Context) error {
	host := c.String("host")
	if host == "" {
		return newInvalidArgs("--host is required")
	}

	conf, err := loadConfig()
	if err != nil {
		return err
	}

	filter := query.Filter{
		Collections:  c.StringSlice("collection"),
		YearMin:      c.String("year-min"),
		YearMax:      c.String("year-max"),
		TimestampMin: c.String("ts-min"),
		TimestampMax: c.String("ts-max"),
		Limit:        c.Int("limit"),
	}

	e := query.New(conf.IndexRoot, conf.ShardRoot, conf.QueryConcurrency)
	res, err := e.Query(context.Background(), host, filter)
	if err != nil {
		return err
	}

	for _, r := range res.Rows {
		fmt.Fprintf(c.App.Writer, "%s %s %s %s %d %d\n",
			fgreen(r.Collection), r.Timestamp, r.URL, r.WARCFilename, r.WARCOffset, r.WARCLength)
	}

	if res.Truncated {
		fmt.Fprintf(c.App.Writer, "%s\n", fyellow(fmt.Sprintf("(truncated at %d rows)", filter.Limit)))
	}
	if len(res.DegradedCollections) > 0 {
		fmt.Fprintf(c.App.ErrWriter, "%s %s\n", fred("degraded collections:"), strings.Join(res.DegradedCollections, ", "))
	}
	if len(res.DegradedRuns) > 0 {
		fmt.Fprintf(c.App.ErrWriter, "%s %s\n", fred("degraded runs:"), strings.Join(res.DegradedRuns, ", "))
	}
	fmt.Fprintf(c.App.Writer, "%d row(s)\n", len(res.Rows))
	return nil
}
