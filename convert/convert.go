// Package convert decodes raw gzipped CDX text shards into unsorted
// columnar shards.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package convert

import (
	"bufio"
	"io"
	"net/url"
	"strings"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/row"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

var js = jsoniter.ConfigFastest

// cdxTail is the JSON object terminating each CDX line.
type cdxTail struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	Filename  string `json:"filename"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
}

// Result reports the outcome of one conversion.
type Result struct {
	RowsWritten    int
	MalformedLines int
	TotalLines     int
}

// MalformedRate returns the fraction of lines that failed to parse.
func (r Result) MalformedRate() float64 {
	if r.TotalLines == 0 {
		return 0
	}
	return float64(r.MalformedLines) / float64(r.TotalLines)
}

const maxLineBytes = 1 << 20 // 1 MiB, generous for a CDX line's JSON tail

// Convert reads a gzipped, line-oriented CDX text stream from in and
// streams the decoded rows, in input order, into w, skipping malformed
// lines (a line whose final JSON token doesn't parse, or is missing a
// required field). Peak memory is bounded by one line plus w's own
// per-row bookkeeping, not by the shard's total row count. Convert
// itself never fails on malformed lines; callers compare
// Result.MalformedRate() against their configured threshold and treat an
// over-threshold result as a deterministic (quarantine-worthy) failure.
func Convert(in io.Reader, w *row.Writer) (Result, error) {
	zr, err := gzip.NewReader(in)
	if err != nil {
		return Result{}, cos.NewErrInputUnreadable("gzip: %v", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var res Result
	for sc.Scan() {
		res.TotalLines++
		r, ok := parseLine(sc.Text())
		if !ok {
			res.MalformedLines++
			continue
		}
		if err := w.WriteRow(r); err != nil {
			return res, cos.NewErrOutputUnwritable("%v", err)
		}
	}
	if err := sc.Err(); err != nil {
		return res, cos.NewErrInputUnreadable("scan: %v", err)
	}
	res.RowsWritten = w.RowCount()
	return res, nil
}

// parseLine extracts the trailing JSON object of a CDX line and converts
// it into a CaptureRow. The leading surt-key/timestamp tokens preceding
// the JSON tail are not authoritative (the JSON's own url/timestamp
// fields are) and are ignored.
func parseLine(line string) (row.CaptureRow, bool) {
	idx := strings.IndexByte(line, '{')
	if idx < 0 {
		return row.CaptureRow{}, false
	}
	var tail cdxTail
	if err := js.UnmarshalFromString(line[idx:], &tail); err != nil {
		return row.CaptureRow{}, false
	}
	if tail.URL == "" || tail.Timestamp == "" || tail.Filename == "" || tail.Length <= 0 || tail.Offset < 0 {
		return row.CaptureRow{}, false
	}
	host := hostOf(tail.URL)
	if host == "" {
		return row.CaptureRow{}, false
	}
	return row.CaptureRow{
		URL:          tail.URL,
		Host:         host,
		HostReversed: row.ReverseHost(host),
		Timestamp:    tail.Timestamp,
		WARCFilename: tail.Filename,
		WARCOffset:   tail.Offset,
		WARCLength:   tail.Length,
	}, true
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ErrThresholdExceeded reports a conversion whose malformed-line rate
// exceeded the configured threshold.
type ErrThresholdExceeded struct {
	Rate, Threshold float64
}

func (e *ErrThresholdExceeded) Error() string {
	return errors.Errorf("malformed-line rate %.4f exceeds threshold %.4f", e.Rate, e.Threshold).Error()
}

// CheckThreshold returns ErrThresholdExceeded if res's malformed rate is
// strictly above threshold; a rate exactly at threshold succeeds.
func CheckThreshold(res Result, threshold float64) error {
	if rate := res.MalformedRate(); rate > threshold {
		return &ErrThresholdExceeded{Rate: rate, Threshold: threshold}
	}
	return nil
}
