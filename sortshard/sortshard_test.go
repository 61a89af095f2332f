package sortshard_test

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/sortshard"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func unsorted(n int) []row.CaptureRow {
	rows := make([]row.CaptureRow, n)
	for i := 0; i < n; i++ {
		// descending host_reversed so the input starts maximally unsorted.
		host := fmt.Sprintf("h%03d.example.com", n-i)
		rows[i] = row.CaptureRow{
			URL:          "https://" + host + "/",
			Host:         host,
			HostReversed: row.ReverseHost(host),
			Timestamp:    "20240101000000",
			WARCFilename: "w.warc.gz",
			WARCOffset:   int64(i),
			WARCLength:   10,
		}
	}
	return rows
}

func isSorted(rows []row.CaptureRow) bool {
	for i := 1; i < len(rows); i++ {
		if row.Less(rows[i], rows[i-1]) {
			return false
		}
	}
	return true
}

// unsortedShard materializes rows as a columnar shard readable by
// row.Reader, the form sortshard.Sorter consumes.
func unsortedShard(rows []row.CaptureRow) *row.Reader {
	var buf bytes.Buffer
	_, err := (&row.Batch{Rows: rows}).WriteTo(&buf)
	Expect(err).ToNot(HaveOccurred())
	rd, err := row.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	Expect(err).ToNot(HaveOccurred())
	return rd
}

func flushSorted(w *row.Writer) []row.CaptureRow {
	var buf bytes.Buffer
	_, err := w.Flush(&buf)
	Expect(err).ToNot(HaveOccurred())
	rd, err := row.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	Expect(err).ToNot(HaveOccurred())
	rows, err := rd.ReadRows(0, rd.RowCount())
	Expect(err).ToNot(HaveOccurred())
	return rows
}

var _ = Describe("Sorter", func() {
	var scratch string

	BeforeEach(func() {
		var err error
		scratch, err = os.MkdirTemp("", "cdx-sortshard-*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { os.RemoveAll(scratch) })

	It("sorts a small batch entirely in memory", func() {
		s := sortshard.New(scratch, 64<<20) // large budget, no spill
		w, err := s.Sort(unsortedShard(unsorted(10)))
		Expect(err).ToNot(HaveOccurred())
		rows := flushSorted(w)
		Expect(rows).To(HaveLen(10))
		Expect(isSorted(rows)).To(BeTrue())
	})

	It("sorts via spill-and-merge when input exceeds the memory budget", func() {
		s := sortshard.New(scratch, 512) // tiny budget forces multiple runs
		w, err := s.Sort(unsortedShard(unsorted(40)))
		Expect(err).ToNot(HaveOccurred())
		rows := flushSorted(w)
		Expect(rows).To(HaveLen(40))
		Expect(isSorted(rows)).To(BeTrue())

		entries, _ := os.ReadDir(scratch)
		Expect(entries).To(BeEmpty(), "run files and output scratch files must be cleaned up after flush")
	})

	It("reports insufficient scratch when the budget vastly exceeds free space", func() {
		s := sortshard.New(scratch, 1<<20)
		err := s.CheckScratch(1 << 62)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("IsAlreadySorted", func() {
	It("short-circuits when row counts match", func() {
		Expect(sortshard.IsAlreadySorted(100, 100)).To(BeTrue())
		Expect(sortshard.IsAlreadySorted(99, 100)).To(BeFalse())
	})
})
