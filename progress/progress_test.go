package progress_test

import (
	"os"

	"github.com/cdxlabs/cdxidx/progress"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Actor", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cdx-progress-*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() { os.RemoveAll(root) })

	It("starts a new collection at state absent", func() {
		a, err := progress.Open(root, "CC-MAIN-2024-01")
		Expect(err).ToNot(HaveOccurred())
		defer a.Close()

		snap := a.Snapshot()
		Expect(snap.State).To(Equal(progress.StateAbsent))
	})

	It("persists state and shard-stage transitions atomically", func() {
		a, err := progress.Open(root, "CC-MAIN-2024-01")
		Expect(err).ToNot(HaveOccurred())
		Expect(a.SetState(progress.StateDownloaded)).To(Succeed())
		Expect(a.SetShardStage(0, progress.ShardConverted)).To(Succeed())
		a.Close()

		b, err := progress.Open(root, "CC-MAIN-2024-01")
		Expect(err).ToNot(HaveOccurred())
		defer b.Close()
		snap := b.Snapshot()
		Expect(snap.State).To(Equal(progress.StateDownloaded))
		Expect(snap.Shards[0]).To(Equal(progress.ShardConverted))
	})

	It("resumes from a prior run's persisted record after process restart", func() {
		a, err := progress.Open(root, "CC-MAIN-2024-02")
		Expect(err).ToNot(HaveOccurred())
		Expect(a.SetState(progress.StateConverted)).To(Succeed())
		Expect(a.SetShardStage(0, progress.ShardConverted)).To(Succeed())
		Expect(a.SetShardStage(1, progress.ShardConverted)).To(Succeed())
		a.Close()

		b, err := progress.Open(root, "CC-MAIN-2024-02")
		Expect(err).ToNot(HaveOccurred())
		defer b.Close()
		snap := b.Snapshot()
		Expect(snap.Shards).To(HaveLen(2))
	})

	It("records a quarantine reason and never auto-clears it", func() {
		a, err := progress.Open(root, "CC-MAIN-2024-03")
		Expect(err).ToNot(HaveOccurred())
		defer a.Close()
		Expect(a.Quarantine("malformed-line rate 0.05 exceeds threshold 0.01")).To(Succeed())

		snap := a.Snapshot()
		Expect(snap.State).To(Equal(progress.StateQuarantined))
		Expect(snap.Reason).To(ContainSubstring("exceeds threshold"))
	})

	It("does not leave a .building file behind after a mutation", func() {
		a, err := progress.Open(root, "CC-MAIN-2024-04")
		Expect(err).ToNot(HaveOccurred())
		defer a.Close()
		Expect(a.SetState(progress.StateDownloaded)).To(Succeed())

		_, statErr := os.Stat(root + "/CC-MAIN-2024-04.progress.building")
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})
})
