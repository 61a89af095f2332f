package query_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cdxlabs/cdxidx/collindex"
	"github.com/cdxlabs/cdxidx/metaindex"
	"github.com/cdxlabs/cdxidx/query"
	"github.com/cdxlabs/cdxidx/row"
	"github.com/cdxlabs/cdxidx/shard"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func mkRow(host, url, ts string) row.CaptureRow {
	return row.CaptureRow{
		URL:          url,
		Host:         host,
		HostReversed: row.ReverseHost(host),
		Timestamp:    ts,
		WARCFilename: "w.warc.gz",
		WARCOffset:   1,
		WARCLength:   10,
	}
}

// seedCollection writes one sorted shard, builds its collection index,
// and registers it into a year index.
func seedCollection(root, indexRoot, collection, year string, rows []row.CaptureRow) {
	store := shard.New(filepath.Join(root, "shard"), collection)
	Expect(os.MkdirAll(filepath.Dir(store.SortedPath(0)), 0o755)).To(Succeed())
	Expect(store.WriteColumnar(store.SortedPath(0), &row.Batch{Rows: rows})).To(Succeed())

	idxPath := filepath.Join(indexRoot, "by_collection", collection+".pointer_index")
	b := collindex.NewBuilder(store)
	_, err := b.Build(idxPath)
	Expect(err).ToNot(HaveOccurred())

	hostCount, err := collindex.CountHosts(idxPath)
	Expect(err).ToNot(HaveOccurred())

	ref := metaindex.CollectionRef{
		Collection: collection,
		Path:       idxPath,
		HostCount:  hostCount,
		ShardCount: 1,
		BuiltAt:    metaindex.NowRFC3339(),
	}

	yearPath := filepath.Join(indexRoot, "by_year", year+".year_index")
	var existing []metaindex.CollectionRef
	if yi, err := metaindex.LoadYear(yearPath); err == nil {
		existing = yi.Collections
	}
	existing = append(existing, ref)
	_, err = metaindex.BuildYear(indexRoot, year, existing)
	Expect(err).ToNot(HaveOccurred())
}

var _ = Describe("Engine", func() {
	var root, indexRoot, shardRoot string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cdx-query-*")
		Expect(err).ToNot(HaveOccurred())
		indexRoot = filepath.Join(root, "index")
		shardRoot = filepath.Join(root, "shard")

		seedCollection(root, indexRoot, "CC-MAIN-2024-01", "2024", []row.CaptureRow{
			mkRow("blog.example.com", "https://blog.example.com/a", "20240101000000"),
			mkRow("blog.example.com", "https://blog.example.com/b", "20240102000000"),
			mkRow("example.com", "https://example.com/", "20240103000000"),
			mkRow("other.org", "https://other.org/", "20240104000000"),
		})
		seedCollection(root, indexRoot, "CC-MAIN-2023-40", "2023", []row.CaptureRow{
			mkRow("example.com", "https://example.com/old", "20231001000000"),
		})

		_, err = metaindex.BuildMaster(indexRoot)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { os.RemoveAll(root) })

	It("answers an exact-host query across every candidate collection", func() {
		e := query.New(indexRoot, shardRoot, 4)
		res, err := e.Query(context.Background(), "example.com", query.Filter{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Rows).To(HaveLen(2))
		Expect(res.DegradedCollections).To(BeEmpty())
	})

	It("answers a *.domain suffix query including the domain itself and its subdomains", func() {
		e := query.New(indexRoot, shardRoot, 4)
		res, err := e.Query(context.Background(), "*.example.com", query.Filter{Collections: []string{"CC-MAIN-2024-01"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Rows).To(HaveLen(3)) // blog.example.com x2 + example.com x1
	})

	It("restricts by year range", func() {
		e := query.New(indexRoot, shardRoot, 4)
		res, err := e.Query(context.Background(), "example.com", query.Filter{YearMin: "2024"})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Rows).To(HaveLen(1))
		Expect(res.Rows[0].Collection).To(Equal("CC-MAIN-2024-01"))
	})

	It("restricts by timestamp range", func() {
		e := query.New(indexRoot, shardRoot, 4)
		res, err := e.Query(context.Background(), "blog.example.com", query.Filter{TimestampMin: "20240102000000"})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Rows).To(HaveLen(1))
		Expect(res.Rows[0].URL).To(Equal("https://blog.example.com/b"))
	})

	It("stops early and reports truncation once limit is reached", func() {
		e := query.New(indexRoot, shardRoot, 4)
		res, err := e.Query(context.Background(), "*.example.com", query.Filter{Collections: []string{"CC-MAIN-2024-01"}, Limit: 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Rows).To(HaveLen(1))
		Expect(res.Truncated).To(BeTrue())
	})

	It("degrades a collection whose index is missing without failing the query", func() {
		Expect(os.Remove(filepath.Join(indexRoot, "by_collection", "CC-MAIN-2023-40.pointer_index"))).To(Succeed())

		e := query.New(indexRoot, shardRoot, 4)
		res, err := e.Query(context.Background(), "example.com", query.Filter{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Rows).To(HaveLen(1))
		Expect(res.Rows[0].Collection).To(Equal("CC-MAIN-2024-01"))
		Expect(res.DegradedCollections).To(HaveLen(1))
		Expect(res.DegradedCollections[0]).To(ContainSubstring("CC-MAIN-2023-40"))
	})
})
