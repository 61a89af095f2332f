package metaindex_test

import (
	"os"

	"github.com/cdxlabs/cdxidx/cmn/cos"
	"github.com/cdxlabs/cdxidx/metaindex"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("YearOf", func() {
	It("extracts the YYYY substring from a collection identifier", func() {
		y, err := metaindex.YearOf("CC-MAIN-2024-10")
		Expect(err).ToNot(HaveOccurred())
		Expect(y).To(Equal("2024"))
	})

	It("errors on an identifier with no 4-digit year token", func() {
		_, err := metaindex.YearOf("not-a-collection")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Build and load year/master indexes", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cdx-metaindex-*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { os.RemoveAll(root) })

	It("builds a year index and rebuilds the master index from it", func() {
		refs := []metaindex.CollectionRef{
			{Collection: "CC-MAIN-2024-10", Path: "/x/CC-MAIN-2024-10.pointer_index", HostCount: 3, ShardCount: 2, BuiltAt: metaindex.NowRFC3339()},
		}
		yearPath, err := metaindex.BuildYear(root, "2024", refs)
		Expect(err).ToNot(HaveOccurred())

		yi, err := metaindex.LoadYear(yearPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(yi.TotalHosts()).To(Equal(3))

		masterPath, err := metaindex.BuildMaster(root)
		Expect(err).ToNot(HaveOccurred())

		mi, err := metaindex.LoadMaster(masterPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(mi.Years).To(HaveLen(1))
		Expect(mi.Years[0].Year).To(Equal("2024"))
		Expect(mi.Years[0].CollectionCount).To(Equal(1))
	})

	It("does not leave a .building file behind after a successful build", func() {
		_, err := metaindex.BuildYear(root, "2024", nil)
		Expect(err).ToNot(HaveOccurred())
		matches, _ := os.ReadDir(root + "/by_year")
		for _, m := range matches {
			Expect(m.Name()).ToNot(HaveSuffix(".building"))
		}
	})

	It("returns ErrNotFound for a master index that was never built", func() {
		_, err := metaindex.LoadMaster(root + "/missing.index")
		Expect(err).To(HaveOccurred())
		Expect(cos.IsErrNotFound(err)).To(BeTrue())
	})
})
