/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package auth_test

import (
	"net"
	"time"

	"github.com/meshcore/mesh/auth"
	"github.com/meshcore/mesh/cmn/cos"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("HMAC authenticator", func() {
	var a, b net.Conn

	BeforeEach(func() {
		a, b = net.Pipe()
	})

	AfterEach(func() {
		a.Close()
		b.Close()
	})

	It("succeeds when both sides share the authkey", func() {
		authA := auth.New([]byte("sharedsecret"), 32, time.Second)
		authB := auth.New([]byte("sharedsecret"), 32, time.Second)

		errs := make(chan error, 2)
		go func() { errs <- authA.Authenticate(a) }()
		go func() { errs <- authB.Authenticate(b) }()

		Expect(<-errs).To(BeNil())
		Expect(<-errs).To(BeNil())
	})

	It("fails with a tag mismatch when keys differ", func() {
		authA := auth.New([]byte("keyA"), 32, time.Second)
		authB := auth.New([]byte("keyB"), 32, time.Second)

		errs := make(chan error, 2)
		go func() { errs <- authA.Authenticate(a) }()
		go func() { errs <- authB.Authenticate(b) }()

		e1, e2 := <-errs, <-errs
		Expect(e1 != nil || e2 != nil).To(BeTrue())
		if e1 != nil {
			Expect(cos.IsErrAuthentication(e1)).To(BeTrue())
		}
		if e2 != nil {
			Expect(cos.IsErrAuthentication(e2)).To(BeTrue())
		}
	})

	It("fails on read timeout", func() {
		authA := auth.New([]byte("secret"), 32, 50*time.Millisecond)
		err := authA.Authenticate(a)
		Expect(err).To(HaveOccurred())
		Expect(cos.IsErrAuthentication(err)).To(BeTrue())
	})

	It("fails on truncated read when peer closes mid-handshake", func() {
		authA := auth.New([]byte("secret"), 32, time.Second)
		go func() {
			buf := make([]byte, 32)
			b.Read(buf) //nolint:errcheck // drain the challenge, then vanish
			b.Close()
		}()
		err := authA.Authenticate(a)
		Expect(err).To(HaveOccurred())
		Expect(cos.IsErrAuthentication(err)).To(BeTrue())
	})

	It("no-op authenticator always succeeds", func() {
		Expect(auth.Noop{}.Authenticate(a)).To(Succeed())
	})
})
