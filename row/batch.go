package row

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Batch is an in-memory set of rows ready to be written as a columnar
// shard, or the decoded directory of one read from disk.
type Batch struct {
	Rows []CaptureRow
}

// On-disk layout (all multi-byte integers little-endian):
//
//	magic(4) version(1)
//	column segments, one per column, back to back, in a fixed order:
//	  variable columns (url, host, host_reversed, warc_filename):
//	    (rowCount+1) uint32 byte-offsets into the blob that follows, then the blob
//	  fixed columns (timestamp: 14 raw bytes/row; warc_offset, warc_length: int64/row)
//	footer: rowCount(int64) + 7 column start-offsets(int64) written via msgp,
//	footerLen(uint64, last 8 bytes of the file)
//
// Because every column segment's start offset is in the footer and
// variable columns carry their own fixed-width offset table, a reader
// can compute byte ranges for rows [row_offset, row_offset+row_count)
// in every column directly, and decode only those bytes — the rest of
// the shard is never touched.
var magic = [4]byte{'c', 'd', 'x', '1'}

const (
	colURL = iota
	colHost
	colHostReversed
	colTimestamp
	colWARCFilename
	colWARCOffset
	colWARCLength
	numCols
)

const timestampWidth = 14

var varColumns = []int{colURL, colHost, colHostReversed, colWARCFilename}

// WriteTo encodes the batch, preserving input row order.
func (b *Batch) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if _, err := cw.Write(magic[:]); err != nil {
		return cw.n, errors.Wrap(err, "row: write magic")
	}
	if _, err := cw.Write([]byte{1}); err != nil {
		return cw.n, errors.Wrap(err, "row: write version")
	}

	starts := make([]int64, numCols)
	for _, col := range varColumns {
		starts[col] = cw.n
		if err := writeVarColumn(cw, b.Rows, col); err != nil {
			return cw.n, err
		}
	}
	starts[colTimestamp] = cw.n
	if err := writeFixedTimestamp(cw, b.Rows); err != nil {
		return cw.n, err
	}
	starts[colWARCOffset] = cw.n
	if err := writeFixedInt64(cw, b.Rows, colWARCOffset); err != nil {
		return cw.n, err
	}
	starts[colWARCLength] = cw.n
	if err := writeFixedInt64(cw, b.Rows, colWARCLength); err != nil {
		return cw.n, err
	}

	footerStart := cw.n
	mw := msgp.NewWriterSize(cw, 256)
	if err := mw.WriteInt64(int64(len(b.Rows))); err != nil {
		return cw.n, errors.Wrap(err, "row: write footer row count")
	}
	for _, off := range starts {
		if err := mw.WriteInt64(off); err != nil {
			return cw.n, errors.Wrap(err, "row: write footer offsets")
		}
	}
	if err := mw.Flush(); err != nil {
		return cw.n, errors.Wrap(err, "row: flush footer")
	}
	footerLen := cw.n - footerStart

	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(footerLen))
	if _, err := cw.Write(b8[:]); err != nil {
		return cw.n, errors.Wrap(err, "row: write footer length trailer")
	}
	return cw.n, nil
}

func writeVarColumn(cw *countingWriter, rows []CaptureRow, col int) error {
	offsets := make([]uint32, len(rows)+1)
	var blob []byte
	for i, r := range rows {
		offsets[i] = uint32(len(blob))
		blob = append(blob, fieldOf(r, col)...)
	}
	offsets[len(rows)] = uint32(len(blob))

	for _, off := range offsets {
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], off)
		if _, err := cw.Write(b4[:]); err != nil {
			return errors.Wrapf(err, "row: write column %d offsets", col)
		}
	}
	if _, err := cw.Write(blob); err != nil {
		return errors.Wrapf(err, "row: write column %d blob", col)
	}
	return nil
}

func writeFixedTimestamp(cw *countingWriter, rows []CaptureRow) error {
	for _, r := range rows {
		var buf [timestampWidth]byte
		copy(buf[:], r.Timestamp)
		if _, err := cw.Write(buf[:]); err != nil {
			return errors.Wrap(err, "row: write timestamp column")
		}
	}
	return nil
}

func writeFixedInt64(cw *countingWriter, rows []CaptureRow, col int) error {
	for _, r := range rows {
		var v int64
		switch col {
		case colWARCOffset:
			v = r.WARCOffset
		case colWARCLength:
			v = r.WARCLength
		}
		var b8 [8]byte
		binary.LittleEndian.PutUint64(b8[:], uint64(v))
		if _, err := cw.Write(b8[:]); err != nil {
			return errors.Wrap(err, "row: write int64 column")
		}
	}
	return nil
}

func fieldOf(r CaptureRow, col int) string {
	switch col {
	case colURL:
		return r.URL
	case colHost:
		return r.Host
	case colHostReversed:
		return r.HostReversed
	case colWARCFilename:
		return r.WARCFilename
	}
	return ""
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
