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

package killswitch_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hookway/hookway/pkg/killswitch"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestKillSwitch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KillSwitch")
}

var (
	ctx    context.Context
	server *miniredis.Miniredis
	client *redis.Client
	sw     *killswitch.Switch
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	server = miniredis.RunT(GinkgoT())
	client = redis.NewClient(&redis.Options{Addr: server.Addr()})
	sw = killswitch.New(client, zap.NewNop())
})

var _ = AfterEach(func() {
	Expect(client.Close()).To(Succeed())
})

var _ = Describe("Switch", func() {
	It("should be inactive when the key is absent", func() {
		Expect(sw.Active(ctx)).To(BeFalse())
	})

	It("should report active after activation and inactive after deactivation", func() {
		Expect(sw.Activate(ctx)).To(Succeed())
		Expect(sw.Active(ctx)).To(BeTrue())
		Expect(sw.Deactivate(ctx)).To(Succeed())
		Expect(sw.Active(ctx)).To(BeFalse())
	})

	It("should treat unexpected values as inactive", func() {
		server.Set(killswitch.Key, "maybe")
		Expect(sw.Active(ctx)).To(BeFalse())
	})

	It("should stay inactive when the cache is unreachable", func() {
		server.Close()
		Expect(sw.Active(ctx)).To(BeFalse())
	})
})
