package shard_test

import (
	"os"

	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/shard"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func tmpRoot() string {
	dir, err := os.MkdirTemp("", "cdx-shard-*")
	Expect(err).ToNot(HaveOccurred())
	return dir
}

var _ = Describe("Store", func() {
	var (
		root string
		s    *shard.Store
	)

	BeforeEach(func() {
		root = tmpRoot()
		s = shard.New(root, "CC-MAIN-2024-01")
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	It("lists nothing for an uncreated collection", func() {
		infos, err := s.List()
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(BeEmpty())
	})

	It("writes a columnar shard atomically and lists it as unsorted", func() {
		b := &row.Batch{Rows: []row.CaptureRow{
			{URL: "https://example.com/", Host: "example.com", HostReversed: "com.example", Timestamp: "20240101000000", WARCFilename: "w.warc.gz", WARCOffset: 100, WARCLength: 50},
		}}
		Expect(s.WriteColumnar(s.UnsortedPath(0), b)).To(Succeed())

		infos, err := s.List()
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ShardID).To(Equal(0))
		Expect(infos[0].State).To(Equal(shard.StateUnsorted))

		_, err = os.Stat(s.UnsortedPath(0) + ".building")
		Expect(os.IsNotExist(err)).To(BeTrue(), "temp file must not survive a successful write")
	})

	It("marks a shard sorted via atomic rename and serves row-range reads", func() {
		b := &row.Batch{Rows: []row.CaptureRow{
			{URL: "https://a.example.com/", Host: "a.example.com", HostReversed: "com.example.a", Timestamp: "20240101000000", WARCFilename: "w.warc.gz", WARCOffset: 0, WARCLength: 10},
			{URL: "https://b.example.com/", Host: "b.example.com", HostReversed: "com.example.b", Timestamp: "20240101000001", WARCFilename: "w.warc.gz", WARCOffset: 10, WARCLength: 20},
		}}
		Expect(s.WriteColumnar(s.UnsortedPath(0), b)).To(Succeed())
		Expect(s.MarkSorted(0)).To(Succeed())

		infos, err := s.List()
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].State).To(Equal(shard.StateSorted))

		h, err := s.OpenSorted(0)
		Expect(err).ToNot(HaveOccurred())
		defer h.Close()
		Expect(h.RowCount()).To(Equal(2))

		rows, err := h.ReadRows(1, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Host).To(Equal("b.example.com"))
	})

	It("rejects opening a shard that was never sorted", func() {
		_, err := s.OpenSorted(7)
		Expect(err).To(HaveOccurred())
	})

	It("writes a streamed columnar shard atomically", func() {
		scratch, err := os.MkdirTemp("", "cdx-shard-stream-*")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(scratch)

		w, err := row.NewWriter(scratch)
		Expect(err).ToNot(HaveOccurred())
		Expect(w.WriteRow(row.CaptureRow{
			URL: "https://example.com/", Host: "example.com", HostReversed: "com.example",
			Timestamp: "20240101000000", WARCFilename: "w.warc.gz", WARCOffset: 100, WARCLength: 50,
		})).To(Succeed())

		n, err := s.WriteColumnarStream(s.UnsortedPath(1), w)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeNumerically(">", 0))

		infos, err := s.List()
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ShardID).To(Equal(1))

		_, err = os.Stat(s.UnsortedPath(1) + ".building")
		Expect(os.IsNotExist(err)).To(BeTrue(), "temp file must not survive a successful write")
	})
})
