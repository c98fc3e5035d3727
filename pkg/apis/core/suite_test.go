/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hookway/hookway/pkg/apis/core"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Core")
}

var _ = Describe("CanonicalizeJSON", func() {
	It("should sort object keys recursively", func() {
		out, err := core.CanonicalizeJSON([]byte(`{"b":1,"a":{"z":true,"y":null}}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`{"a":{"y":null,"z":true},"b":1}`))
	})

	It("should strip insignificant whitespace", func() {
		out, err := core.CanonicalizeJSON([]byte(" {\n  \"a\" : [ 1 , 2 ]\n} "))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`{"a":[1,2]}`))
	})

	It("should preserve number text exactly", func() {
		out, err := core.CanonicalizeJSON([]byte(`{"n":1.2300,"big":12345678901234567890}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`{"big":12345678901234567890,"n":1.2300}`))
	})

	It("should preserve array order", func() {
		out, err := core.CanonicalizeJSON([]byte(`[3,1,2]`))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`[3,1,2]`))
	})

	It("should not escape HTML characters", func() {
		out, err := core.CanonicalizeJSON([]byte(`{"url":"https://example.com?a=1&b=<2>"}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`a=1&b=<2>`))
	})

	It("should produce identical hashes for logically equal documents", func() {
		a, err := core.CanonicalizeJSON([]byte(`{"x": 1, "y": "z"}`))
		Expect(err).ToNot(HaveOccurred())
		b, err := core.CanonicalizeJSON([]byte(`{"y":"z","x":1}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(core.HashBytes(a)).To(Equal(core.HashBytes(b)))
	})

	It("should reject malformed JSON", func() {
		_, err := core.CanonicalizeJSON([]byte(`{"a":`))
		Expect(err).To(MatchError(core.ErrInvalidJSON))
	})

	It("should reject trailing data after the document", func() {
		_, err := core.CanonicalizeJSON([]byte(`{"a":1}{"b":2}`))
		Expect(err).To(MatchError(core.ErrInvalidJSON))
	})
})

var _ = Describe("BasicDedupKey", func() {
	It("should collapse identical submissions and separate different ones", func() {
		tenant, endpoint := uuid.New(), uuid.New()
		key := core.BasicDedupKey(tenant, endpoint, "order.created", "hash-1")
		Expect(core.BasicDedupKey(tenant, endpoint, "order.created", "hash-1")).To(Equal(key))
		Expect(core.BasicDedupKey(tenant, endpoint, "order.updated", "hash-1")).ToNot(Equal(key))
		Expect(core.BasicDedupKey(tenant, endpoint, "order.created", "hash-2")).ToNot(Equal(key))
		Expect(core.BasicDedupKey(tenant, uuid.New(), "order.created", "hash-1")).ToNot(Equal(key))
	})
})

var _ = Describe("Endpoint", func() {
	It("should keep status and paused_at consistent across pause and resume", func() {
		ep := &core.Endpoint{Status: core.EndpointStatusActive}
		now := time.Now()
		ep.Pause(now)
		Expect(ep.Active()).To(BeFalse())
		Expect(ep.PausedAt).To(HaveValue(Equal(now)))
		ep.Resume()
		Expect(ep.Active()).To(BeTrue())
		Expect(ep.PausedAt).To(BeNil())
	})
})

var _ = Describe("DeliveryStatus", func() {
	It("should mark exactly the final statuses terminal", func() {
		Expect(core.DeliveryStatusPending.Terminal()).To(BeFalse())
		Expect(core.DeliveryStatusScheduled.Terminal()).To(BeFalse())
		Expect(core.DeliveryStatusInProgress.Terminal()).To(BeFalse())
		Expect(core.DeliveryStatusDelivered.Terminal()).To(BeTrue())
		Expect(core.DeliveryStatusFailed.Terminal()).To(BeTrue())
		Expect(core.DeliveryStatusExpired.Terminal()).To(BeTrue())
		Expect(core.DeliveryStatusCancelled.Terminal()).To(BeTrue())
	})
})
