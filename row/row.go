// Package row defines the capture-row schema and a columnar on-disk
// batch codec that supports reading a contiguous row range without
// deserializing surrounding rows.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package row

import "strings"

// CaptureRow is one archived-HTTP-record pointer plus its indexing
// metadata, per the authoritative column list.
type CaptureRow struct {
	URL          string
	Host         string
	HostReversed string
	Timestamp    string // 14-digit CDX timestamp, lexicographically sortable
	WARCFilename string
	WARCOffset   int64
	WARCLength   int64
}

// ReverseHost turns "example.com" into "com.example" so a single
// ascending sort on HostReversed answers both exact-host and
// suffix-domain (*.example.com) queries via a range scan.
func ReverseHost(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// Key returns the composite sort key (host_reversed, url, timestamp)
// used by the external sorter and the sorted-shard monotonicity
// invariant.
func (r CaptureRow) Key() (string, string, string) { return r.HostReversed, r.URL, r.Timestamp }

// Less orders two rows by the composite sort key.
func Less(a, b CaptureRow) bool {
	ah, au, at := a.Key()
	bh, bu, bt := b.Key()
	if ah != bh {
		return ah < bh
	}
	if au != bu {
		return au < bu
	}
	return at < bt
}
