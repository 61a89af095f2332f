package row

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Reader decodes the footer of a columnar shard once at open time, then
// serves ReadRows by computing exact byte ranges per column and reading
// only those bytes — no full-file deserialization.
type Reader struct {
	ra       io.ReaderAt
	rowCount int
	starts   [numCols]int64 // byte offset of each column segment
	end      int64          // byte offset just past the last column segment (= footer start)
}

const footerTrailerLen = 8

func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(len(magic))+1+footerTrailerLen {
		return nil, errors.New("row: shard too small to contain a valid footer")
	}
	var hdr [5]byte
	if _, err := ra.ReadAt(hdr[:], 0); err != nil {
		return nil, errors.Wrap(err, "row: read header")
	}
	if string(hdr[:4]) != string(magic[:]) {
		return nil, errors.New("row: bad magic, not a columnar shard")
	}

	var trailer [footerTrailerLen]byte
	if _, err := ra.ReadAt(trailer[:], size-footerTrailerLen); err != nil {
		return nil, errors.Wrap(err, "row: read footer trailer")
	}
	footerLen := int64(binary.LittleEndian.Uint64(trailer[:]))
	footerStart := size - footerTrailerLen - footerLen
	if footerStart < 0 {
		return nil, errors.New("row: corrupt footer length")
	}

	footer := make([]byte, footerLen)
	if _, err := ra.ReadAt(footer, footerStart); err != nil {
		return nil, errors.Wrap(err, "row: read footer")
	}
	mr := msgp.NewReader(&sliceReader{b: footer})
	rowCount64, err := mr.ReadInt64()
	if err != nil {
		return nil, errors.Wrap(err, "row: decode footer row count")
	}
	r := &Reader{ra: ra, rowCount: int(rowCount64), end: footerStart}
	for i := range r.starts {
		off, err := mr.ReadInt64()
		if err != nil {
			return nil, errors.Wrap(err, "row: decode footer column offsets")
		}
		r.starts[i] = off
	}
	return r, nil
}

func (r *Reader) RowCount() int { return r.rowCount }

// ReadRows decodes exactly rowCount rows starting at rowOffset.
func (r *Reader) ReadRows(rowOffset, rowCount int) ([]CaptureRow, error) {
	if rowOffset < 0 || rowCount < 0 || rowOffset+rowCount > r.rowCount {
		return nil, errors.Errorf("row: range [%d,%d) out of bounds for %d rows", rowOffset, rowOffset+rowCount, r.rowCount)
	}
	rows := make([]CaptureRow, rowCount)

	urlVals, err := r.readVarColumn(colURL, rowOffset, rowCount)
	if err != nil {
		return nil, err
	}
	hostVals, err := r.readVarColumn(colHost, rowOffset, rowCount)
	if err != nil {
		return nil, err
	}
	hostRevVals, err := r.readVarColumn(colHostReversed, rowOffset, rowCount)
	if err != nil {
		return nil, err
	}
	filenameVals, err := r.readVarColumn(colWARCFilename, rowOffset, rowCount)
	if err != nil {
		return nil, err
	}
	tsVals, err := r.readFixedTimestamp(rowOffset, rowCount)
	if err != nil {
		return nil, err
	}
	offVals, err := r.readFixedInt64(colWARCOffset, rowOffset, rowCount)
	if err != nil {
		return nil, err
	}
	lenVals, err := r.readFixedInt64(colWARCLength, rowOffset, rowCount)
	if err != nil {
		return nil, err
	}

	for i := 0; i < rowCount; i++ {
		rows[i] = CaptureRow{
			URL:          urlVals[i],
			Host:         hostVals[i],
			HostReversed: hostRevVals[i],
			Timestamp:    tsVals[i],
			WARCFilename: filenameVals[i],
			WARCOffset:   offVals[i],
			WARCLength:   lenVals[i],
		}
	}
	return rows, nil
}

func (r *Reader) readVarColumn(col, rowOffset, rowCount int) ([]string, error) {
	segStart := r.starts[col]
	// offset table entries needed: [rowOffset, rowOffset+rowCount]
	need := rowCount + 1
	tbl := make([]byte, need*4)
	if _, err := r.ra.ReadAt(tbl, segStart+int64(rowOffset)*4); err != nil {
		return nil, errors.Wrapf(err, "row: read column %d offset table", col)
	}
	offs := make([]uint32, need)
	for i := range offs {
		offs[i] = binary.LittleEndian.Uint32(tbl[i*4:])
	}

	blobBase := segStart + int64(r.rowCount+1)*4
	blobLen := int64(offs[rowCount] - offs[0])
	blob := make([]byte, blobLen)
	if blobLen > 0 {
		if _, err := r.ra.ReadAt(blob, blobBase+int64(offs[0])); err != nil {
			return nil, errors.Wrapf(err, "row: read column %d blob", col)
		}
	}

	vals := make([]string, rowCount)
	for i := 0; i < rowCount; i++ {
		lo, hi := offs[i]-offs[0], offs[i+1]-offs[0]
		vals[i] = string(blob[lo:hi])
	}
	return vals, nil
}

func (r *Reader) readFixedTimestamp(rowOffset, rowCount int) ([]string, error) {
	buf := make([]byte, rowCount*timestampWidth)
	if _, err := r.ra.ReadAt(buf, r.starts[colTimestamp]+int64(rowOffset)*timestampWidth); err != nil {
		return nil, errors.Wrap(err, "row: read timestamp column")
	}
	vals := make([]string, rowCount)
	for i := 0; i < rowCount; i++ {
		raw := buf[i*timestampWidth : (i+1)*timestampWidth]
		n := len(raw)
		for n > 0 && raw[n-1] == 0 {
			n--
		}
		vals[i] = string(raw[:n])
	}
	return vals, nil
}

func (r *Reader) readFixedInt64(col, rowOffset, rowCount int) ([]int64, error) {
	buf := make([]byte, rowCount*8)
	if _, err := r.ra.ReadAt(buf, r.starts[col]+int64(rowOffset)*8); err != nil {
		return nil, errors.Wrapf(err, "row: read int64 column %d", col)
	}
	vals := make([]int64, rowCount)
	for i := 0; i < rowCount; i++ {
		vals[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vals, nil
}

// sliceReader adapts a []byte to io.Reader for msgp.NewReader.
type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}
