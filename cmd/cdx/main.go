// Command cdx operates the ingestion pipeline and answers host queries
// against the index artifacts it produces.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/hk"
	"github.com/cdxlabs/cdxidx/pipeline"
	"github.com/urfave/cli"
)

const (
	exitOK          = 0
	exitInvalidArgs = 2
	exitPrecondFail = 3
	exitCancelled   = 4
	exitCorrupted   = 5
)

var configPath string

func main() {
	cos.InitShortID(uint64(os.Getpid()))

	app := cli.NewApp()
	app.Name = "cdx"
	app.Usage = "ingest CDX shards into a sorted, queryable pointer index"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path to a JSON or YAML config file",
			Destination: &configPath,
		},
	}
	app.Commands = []cli.Command{
		ingestCommand,
		queryCommand,
		indexCommand,
	}
	app.Before = startHousekeeping
	app.CommandNotFound = func(c *cli.Context, cmd string) {
		fmt.Fprintf(c.App.ErrWriter, "cdx: unknown command %q\n", cmd)
		os.Exit(exitInvalidArgs)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cdx:", err)
		os.Exit(exitCodeFor(err))
	}
}

// startHousekeeping loads config once per process invocation and
// starts the background housekeeper that sweeps orphaned `.building`
// artifacts left by a crashed writer; it runs for the lifetime of the
// process regardless of which subcommand was invoked.
func startHousekeeping(c *cli.Context) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	pipeline.RegisterStaleArtifactSweep(conf.ShardRoot, conf.IndexRoot, time.Hour, 6*time.Hour)
	go hk.DefaultHK.Run()
	return nil
}

// exitCodeFor maps a returned error to the process exit code per the
// CLI's external interface contract: 0 success, 2 invalid arguments,
// 3 precondition failure, 4 in-flight cancellation, 5 unrecoverable
// artifact corruption.
func exitCodeFor(err error) int {
	switch {
	case isInvalidArgs(err):
		return exitInvalidArgs
	case isPrecondFail(err):
		return exitPrecondFail
	case isCancelled(err):
		return exitCancelled
	case isCorrupted(err):
		return exitCorrupted
	default:
		return 1
	}
}

type errInvalidArgs struct{ msg string }

func (e *errInvalidArgs) Error() string { return e.msg }

func newInvalidArgs(format string, a ...any) error {
	return &errInvalidArgs{fmt.Sprintf(format, a...)}
}

func isInvalidArgs(err error) bool {
	_, ok := err.(*errInvalidArgs)
	return ok
}

func isPrecondFail(err error) bool {
	var scratch *cos.ErrInsufficientScratch
	var mem *cos.ErrInsufficientMemory
	return errors.As(err, &scratch) || errors.As(err, &mem)
}

func isCancelled(err error) bool {
	var c *cos.ErrCancelled
	return errors.As(err, &c)
}

func isCorrupted(err error) bool {
	var c *cos.ErrArtifactCorrupted
	return errors.As(err, &c)
}
