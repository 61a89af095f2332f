package collindex_test

import (
	"os"
	"path/filepath"

	"github.com/cdxlabs/cdxidx/collindex"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/shard"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func buildCollection(root, collection string, shards [][]row.CaptureRow) *shard.Store {
	s := shard.New(root, collection)
	for id, rows := range shards {
		b := &row.Batch{Rows: rows}
		ExpectWithOffset(1, s.WriteColumnar(s.UnsortedPath(id), b)).To(Succeed())
		ExpectWithOffset(1, s.MarkSorted(id)).To(Succeed())
	}
	return s
}

var _ = Describe("Builder", func() {
	var root, indexRoot string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cdx-collindex-shards-*")
		Expect(err).ToNot(HaveOccurred())
		indexRoot, err = os.MkdirTemp("", "cdx-collindex-index-*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(root)
		os.RemoveAll(indexRoot)
	})

	It("emits exactly two runs for a host split across two shards", func() {
		shard0 := make([]row.CaptureRow, 5)
		for i := range shard0 {
			shard0[i] = row.CaptureRow{Host: "example.com", HostReversed: "com.example", URL: "u", Timestamp: "20240101000000", WARCFilename: "w0", WARCOffset: int64(i), WARCLength: 1}
		}
		shard1 := []row.CaptureRow{
			{Host: "other.org", HostReversed: "org.other", URL: "u", Timestamp: "20240101000000", WARCFilename: "w1", WARCOffset: 0, WARCLength: 1},
			{Host: "example.com", HostReversed: "com.example", URL: "u", Timestamp: "20240101000001", WARCFilename: "w1", WARCOffset: 1, WARCLength: 1},
			{Host: "example.com", HostReversed: "com.example", URL: "u", Timestamp: "20240101000002", WARCFilename: "w1", WARCOffset: 2, WARCLength: 1},
			{Host: "example.com", HostReversed: "com.example", URL: "u", Timestamp: "20240101000003", WARCFilename: "w1", WARCOffset: 3, WARCLength: 1},
		}
		store := buildCollection(root, "CC-MAIN-2024-01", [][]row.CaptureRow{shard0, shard1})

		b := collindex.NewBuilder(store)
		finalPath := filepath.Join(indexRoot, "CC-MAIN-2024-01.pointer_index")
		n, err := b.Build(finalPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeNumerically(">", 0))

		idx, err := collindex.Open(finalPath)
		Expect(err).ToNot(HaveOccurred())
		defer idx.Close()

		runs, err := idx.LookupExact("example.com")
		Expect(err).ToNot(HaveOccurred())
		Expect(runs).To(HaveLen(2))

		total := 0
		for _, r := range runs {
			total += r.RowCount
		}
		Expect(total).To(Equal(8))
	})

	It("counts distinct shards for CountShards", func() {
		shard0 := []row.CaptureRow{
			{Host: "example.com", HostReversed: "com.example", URL: "u", Timestamp: "20240101000000", WARCFilename: "w0", WARCOffset: 0, WARCLength: 1},
		}
		shard1 := []row.CaptureRow{
			{Host: "other.org", HostReversed: "org.other", URL: "u", Timestamp: "20240101000000", WARCFilename: "w1", WARCOffset: 0, WARCLength: 1},
		}
		store := buildCollection(root, "CC-MAIN-2024-02", [][]row.CaptureRow{shard0, shard1})

		b := collindex.NewBuilder(store)
		finalPath := filepath.Join(indexRoot, "CC-MAIN-2024-02.pointer_index")
		_, err := b.Build(finalPath)
		Expect(err).ToNot(HaveOccurred())

		n, err := collindex.CountShards(finalPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))
	})

	It("supports host-reversed prefix queries", func() {
		rows := []row.CaptureRow{
			{Host: "a.example.com", HostReversed: "com.example.a", URL: "u", Timestamp: "20240101000000", WARCFilename: "w0", WARCOffset: 0, WARCLength: 1},
			{Host: "b.example.com", HostReversed: "com.example.b", URL: "u", Timestamp: "20240101000000", WARCFilename: "w0", WARCOffset: 1, WARCLength: 1},
			{Host: "other.org", HostReversed: "org.other", URL: "u", Timestamp: "20240101000000", WARCFilename: "w0", WARCOffset: 2, WARCLength: 1},
		}
		store := buildCollection(root, "CC-MAIN-2024-02", [][]row.CaptureRow{rows})

		b := collindex.NewBuilder(store)
		finalPath := filepath.Join(indexRoot, "CC-MAIN-2024-02.pointer_index")
		_, err := b.Build(finalPath)
		Expect(err).ToNot(HaveOccurred())

		idx, err := collindex.Open(finalPath)
		Expect(err).ToNot(HaveOccurred())
		defer idx.Close()

		runs, err := idx.LookupSuffix("com.example")
		Expect(err).ToNot(HaveOccurred())
		Expect(runs).To(HaveLen(2))
		Expect(runs[0].HostReversed).To(Equal("com.example.a"))
		Expect(runs[1].HostReversed).To(Equal("com.example.b"))
	})

	It("does not leave a .building file behind after a successful build", func() {
		rows := []row.CaptureRow{
			{Host: "example.com", HostReversed: "com.example", URL: "u", Timestamp: "20240101000000", WARCFilename: "w0", WARCOffset: 0, WARCLength: 1},
		}
		store := buildCollection(root, "CC-MAIN-2024-03", [][]row.CaptureRow{rows})
		b := collindex.NewBuilder(store)
		finalPath := filepath.Join(indexRoot, "CC-MAIN-2024-03.pointer_index")
		_, err := b.Build(finalPath)
		Expect(err).ToNot(HaveOccurred())

		_, statErr := os.Stat(finalPath + ".building")
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})
})

var _ = Describe("VerifyRunCoverage", func() {
	It("accepts a contiguous, gapless partition", func() {
		runs := []collindex.Run{
			{RowOffset: 0, RowCount: 3},
			{RowOffset: 3, RowCount: 2},
		}
		Expect(collindex.VerifyRunCoverage(runs, 5)).To(Succeed())
	})

	It("rejects a gap between runs", func() {
		runs := []collindex.Run{
			{RowOffset: 0, RowCount: 2},
			{RowOffset: 3, RowCount: 2},
		}
		Expect(collindex.VerifyRunCoverage(runs, 5)).To(HaveOccurred())
	})
})

var _ = Describe("VerifyRunCorrectness", func() {
	It("accepts a run whose rows all share the host and whose boundaries are maximal", func() {
		hosts := []string{"a.com", "b.com", "b.com", "c.com"}
		hostAt := func(i int) (string, bool) {
			if i < 0 || i >= len(hosts) {
				return "", false
			}
			return hosts[i], true
		}
		r := collindex.Run{Host: "b.com", RowOffset: 1, RowCount: 2}
		Expect(collindex.VerifyRunCorrectness(r, hostAt)).To(Succeed())
	})

	It("rejects a run that isn't maximal", func() {
		hosts := []string{"b.com", "b.com", "c.com"}
		hostAt := func(i int) (string, bool) {
			if i < 0 || i >= len(hosts) {
				return "", false
			}
			return hosts[i], true
		}
		r := collindex.Run{Host: "b.com", RowOffset: 1, RowCount: 1}
		Expect(collindex.VerifyRunCorrectness(r, hostAt)).To(HaveOccurred())
	})
})
