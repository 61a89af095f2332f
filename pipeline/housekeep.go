/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cdxlabs/cdxidx/cmn/fname"
	"github.com/cdxlabs/cdxidx/cmn/nlog"
	"github.com/cdxlabs/cdxidx/hk"
)

// RegisterStaleArtifactSweep registers a recurring housekeeping job that
// removes orphaned `.building` artifacts under shardRoot and indexRoot:
// a `.building` file survives only while its writer (columnar shard
// writer, collection-index builder, or meta-index atomic writer) is
// active, so one still present after maxAge was left behind by a
// process that crashed or was killed mid-write. The stage that owns it
// will regenerate it cleanly on the next resumed run; sweeping it just
// reclaims the disk early instead of waiting for that rebuild.
func RegisterStaleArtifactSweep(shardRoot, indexRoot string, interval, maxAge time.Duration) {
	hk.Reg("cdx-stale-artifacts", func() time.Duration {
		sweepStaleArtifacts(shardRoot, maxAge)
		sweepStaleArtifacts(indexRoot, maxAge)
		return interval
	}, interval)
}

func sweepStaleArtifacts(root string, maxAge time.Duration) {
	now := time.Now()
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, fname.BuildingSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			nlog.Errorf("housekeeping: remove stale %s: %v", path, rmErr)
		} else {
			nlog.Infof("housekeeping: removed stale artifact %s", path)
		}
		return nil
	})
}
