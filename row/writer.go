package row

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Writer streams rows into the columnar layout described in batch.go
// one row at a time, spilling each column's content to a private
// scratch file as rows arrive. Peak resident memory is proportional
// to one row's fields, not to however many rows are ultimately
// written, which is what lets a caller bound memory to a batch size
// far smaller than the shard being produced.
type Writer struct {
	rowCount int

	varOff  [4]*os.File // offset tables: uint32 per row, plus a trailing total written at Flush
	varBlob [4]*os.File
	varLen  [4]uint32

	ts  *os.File
	off *os.File
	ln  *os.File

	files []*os.File
}

// NewWriter creates its scratch files under scratchDir, creating the
// directory if needed.
func NewWriter(scratchDir string) (w *Writer, err error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "row: mkdir scratch %s", scratchDir)
	}
	w = &Writer{}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()
	for i := range varColumns {
		if w.varOff[i], err = w.create(scratchDir, "cdx-col-off-"); err != nil {
			return nil, err
		}
		if w.varBlob[i], err = w.create(scratchDir, "cdx-col-blob-"); err != nil {
			return nil, err
		}
	}
	if w.ts, err = w.create(scratchDir, "cdx-col-ts-"); err != nil {
		return nil, err
	}
	if w.off, err = w.create(scratchDir, "cdx-col-warcoff-"); err != nil {
		return nil, err
	}
	if w.ln, err = w.create(scratchDir, "cdx-col-warclen-"); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) create(dir, prefix string) (*os.File, error) {
	f, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return nil, errors.Wrapf(err, "row: create scratch file under %s", dir)
	}
	w.files = append(w.files, f)
	return f, nil
}

func (w *Writer) RowCount() int { return w.rowCount }

// WriteRow appends one row in the order it should appear on disk;
// Writer does not sort.
func (w *Writer) WriteRow(r CaptureRow) error {
	for i, col := range varColumns {
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], w.varLen[i])
		if _, err := w.varOff[i].Write(b4[:]); err != nil {
			return errors.Wrapf(err, "row: write column %d offset", col)
		}
		field := fieldOf(r, col)
		if _, err := w.varBlob[i].Write([]byte(field)); err != nil {
			return errors.Wrapf(err, "row: write column %d blob", col)
		}
		w.varLen[i] += uint32(len(field))
	}

	var tsBuf [timestampWidth]byte
	copy(tsBuf[:], r.Timestamp)
	if _, err := w.ts.Write(tsBuf[:]); err != nil {
		return errors.Wrap(err, "row: write timestamp column")
	}

	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(r.WARCOffset))
	if _, err := w.off.Write(b8[:]); err != nil {
		return errors.Wrap(err, "row: write warc_offset column")
	}
	binary.LittleEndian.PutUint64(b8[:], uint64(r.WARCLength))
	if _, err := w.ln.Write(b8[:]); err != nil {
		return errors.Wrap(err, "row: write warc_length column")
	}

	w.rowCount++
	return nil
}

// Flush finalizes the columnar layout by concatenating the scratch
// files into dst in column order, then releases them regardless of
// outcome. The Writer must not be reused after Flush.
func (w *Writer) Flush(dst io.Writer) (int64, error) {
	defer w.Close()

	cw := &countingWriter{w: dst}
	if _, err := cw.Write(magic[:]); err != nil {
		return cw.n, errors.Wrap(err, "row: write magic")
	}
	if _, err := cw.Write([]byte{1}); err != nil {
		return cw.n, errors.Wrap(err, "row: write version")
	}

	starts := make([]int64, numCols)
	for i, col := range varColumns {
		starts[col] = cw.n
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], w.varLen[i])
		if _, err := w.varOff[i].Write(b4[:]); err != nil {
			return cw.n, errors.Wrapf(err, "row: write column %d trailing offset", col)
		}
		if err := copyScratch(cw, w.varOff[i]); err != nil {
			return cw.n, errors.Wrapf(err, "row: flush column %d offsets", col)
		}
		if err := copyScratch(cw, w.varBlob[i]); err != nil {
			return cw.n, errors.Wrapf(err, "row: flush column %d blob", col)
		}
	}
	starts[colTimestamp] = cw.n
	if err := copyScratch(cw, w.ts); err != nil {
		return cw.n, errors.Wrap(err, "row: flush timestamp column")
	}
	starts[colWARCOffset] = cw.n
	if err := copyScratch(cw, w.off); err != nil {
		return cw.n, errors.Wrap(err, "row: flush warc_offset column")
	}
	starts[colWARCLength] = cw.n
	if err := copyScratch(cw, w.ln); err != nil {
		return cw.n, errors.Wrap(err, "row: flush warc_length column")
	}

	footerStart := cw.n
	mw := msgp.NewWriterSize(cw, 256)
	if err := mw.WriteInt64(int64(w.rowCount)); err != nil {
		return cw.n, errors.Wrap(err, "row: write footer row count")
	}
	for _, s := range starts {
		if err := mw.WriteInt64(s); err != nil {
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

func copyScratch(dst io.Writer, f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(dst, f)
	return err
}

// Close discards every scratch file without finalizing output. Safe
// to call after Flush (a no-op by then) or on an aborted write.
func (w *Writer) Close() error {
	for _, f := range w.files {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	w.files = nil
	return nil
}
