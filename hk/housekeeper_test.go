/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"time"

	"github.com/cdxlabs/cdxidx/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	var h *hk.Housekeeper

	BeforeEach(func() {
		h = hk.New()
		go h.Run()
		h.WaitStarted()
	})

	AfterEach(func() { h.Stop() })

	It("fires a registered cleanup after its interval elapses", func() {
		fired := make(chan struct{}, 1)
		h.Reg("sweep", func() time.Duration {
			fired <- struct{}{}
			return 0
		}, 10*time.Millisecond)

		Eventually(fired, time.Second).Should(Receive())
	})

	It("reschedules at the interval when the func returns <= 0", func() {
		var count int
		fired := make(chan struct{}, 8)
		h.Reg("repeat", func() time.Duration {
			count++
			fired <- struct{}{}
			return 0
		}, 5*time.Millisecond)

		Eventually(fired, time.Second).Should(Receive())
		Eventually(fired, time.Second).Should(Receive())
		Expect(count).To(BeNumerically(">=", 2))
	})

	It("stops firing once unregistered", func() {
		fired := make(chan struct{}, 8)
		h.Reg("once", func() time.Duration {
			fired <- struct{}{}
			return time.Hour
		}, 5*time.Millisecond)

		Eventually(fired, time.Second).Should(Receive())
		h.Unreg("once")

		Consistently(fired, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("replaces an existing registration's schedule rather than duplicating it", func() {
		calls := make(chan string, 8)
		h.Reg("dup", func() time.Duration {
			calls <- "first"
			return time.Hour
		}, 5*time.Millisecond)
		h.Reg("dup", func() time.Duration {
			calls <- "second"
			return time.Hour
		}, 5*time.Millisecond)

		Eventually(calls, time.Second).Should(Receive(Equal("second")))
		Consistently(calls, 50*time.Millisecond).ShouldNot(Receive())
	})
})
