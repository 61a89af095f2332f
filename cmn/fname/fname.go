// Package fname contains filename and directory-layout constants for the
// on-disk artifacts described in the spec's filesystem layout.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fname

const (
	// shard_root/<collection>/*
	RawExt            = ".raw.gz"
	ColumnarExt       = ".columnar"
	ColumnarSortedExt = ".columnar.sorted"
	BuildingSuffix    = ".building"

	// index_root/*
	ByCollectionDir     = "by_collection"
	ByYearDir           = "by_year"
	PointerIndexExt     = ".pointer_index"
	YearIndexExt        = ".year_index"
	MasterIndexBasename = "master.index"

	// progress_root/*
	ProgressExt = ".progress"
)
