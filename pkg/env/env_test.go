// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package env_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/env"
)

var _ = Describe("Environment helpers", func() {
	const key = "ADMINSYNC_ENV_TEST"

	AfterEach(func() {
		Expect(os.Unsetenv(key)).To(Succeed())
	})

	It("falls back to the default when unset", func() {
		v, err := env.GetAsString(key, false, "fallback")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("fallback"))
	})

	It("fails for a missing required variable", func() {
		_, err := env.GetAsString(key, true, "")
		Expect(err).To(HaveOccurred())
	})

	It("parses integers", func() {
		Expect(os.Setenv(key, "42")).To(Succeed())
		v, err := env.GetAsInt(key, false, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(42))
	})

	It("rejects malformed integers", func() {
		Expect(os.Setenv(key, "forty-two")).To(Succeed())
		_, err := env.GetAsInt(key, false, 0)
		Expect(err).To(HaveOccurred())
	})

	It("parses booleans", func() {
		Expect(os.Setenv(key, "true")).To(Succeed())
		v, err := env.GetAsBool(key, false, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeTrue())
	})

	It("parses durations", func() {
		Expect(os.Setenv(key, "250ms")).To(Succeed())
		v, err := env.GetAsDuration(key, false, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(250 * time.Millisecond))
	})

	It("splits lists", func() {
		Expect(os.Setenv(key, "a.*, b.c ,,")).To(Succeed())
		v, err := env.GetAsList(key, false, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal([]string{"a.*", "b.c"}))
	})
})
