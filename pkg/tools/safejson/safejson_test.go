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


package safejson_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

var _ = Describe("safejson", func() {
	It("decodes into structs", func() {
		var st models.State
		Expect(safejson.Unmarshal([]byte(`{"val":21.5,"ack":true,"ts":1700000000000}`), &st)).To(Succeed())
		Expect(st.Ack).To(BeTrue())
		Expect(string(st.Val)).To(Equal("21.5"))
	})

	It("decodes into maps", func() {
		var m map[string]*models.State
		Expect(safejson.Unmarshal([]byte(`{"a.b":{"val":1},"a.c":null}`), &m)).To(Succeed())
		Expect(m).To(HaveLen(2))
		Expect(m["a.c"]).To(BeNil())
	})

	It("refuses non-pointers", func() {
		var st models.State
		Expect(safejson.Unmarshal([]byte(`{}`), st)).To(MatchError(safejson.ErrNotPointer))
	})

	It("encodes", func() {
		out, err := safejson.Marshal(map[string]int{"x": 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(Equal(`{"x":1}`))
	})

	DescribeTable("null detection",
		func(raw string, expected bool) {
			Expect(safejson.IsNull([]byte(raw))).To(Equal(expected))
		},
		Entry("empty", "", true),
		Entry("null", "null", true),
		Entry("padded null", "  null\n", true),
		Entry("string", `"null"`, false),
		Entry("number", "0", false),
		Entry("object", "{}", false),
	)
})
