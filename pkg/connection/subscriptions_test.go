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

package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/connection"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/subscription"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

var _ = Describe("Subscriptions", func() {
	var (
		ctx  context.Context
		conn *connection.Connection
		fake *transport.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		conn, fake = startReady(connection.Options{})
		fake.ResetCalls()
	})

	state := func(val string) *models.State {
		return &models.State{Val: json.RawMessage(val), Ack: true}
	}

	It("registers offline and wires on bootstrap", func() {
		offline, fake := start(connection.Options{})
		rec := &recorder[*models.State]{}
		fake.Reply("getStates", transport.OK(map[string]*models.State{"a.b": state("1")}))

		Expect(offline.SubscribeState(ctx, []string{"a.*"}, rec.listener())).To(Succeed())
		Expect(fake.CallCount("subscribe")).To(Equal(0))

		fake.Up()
		Eventually(offline.Status).Should(Equal(connection.StatusReady))
		Expect(fake.CallCount("subscribe")).To(Equal(1))
		Eventually(rec.IDs).Should(Equal([]string{"a.b"}))
	})

	It("subscribes a pattern once per listener and once on the wire", func() {
		rec := &recorder[*models.State]{}
		l := rec.listener()

		Expect(conn.SubscribeState(ctx, []string{"a.*"}, l)).To(Succeed())
		Expect(conn.SubscribeState(ctx, []string{"a.*"}, l)).To(Succeed())
		Expect(fake.CallCount("subscribe")).To(Equal(1))

		var p string
		Expect(fake.Calls("subscribe")[0].Arg(0, &p)).To(Succeed())
		Expect(p).To(Equal("a.*"))

		fake.Push(transport.EventStateChange, "a.b", state("2"))
		Eventually(rec.Count).Should(Equal(1))
		Consistently(rec.Count, 50*time.Millisecond).Should(Equal(1))
		Expect(string(rec.Payloads()[0].Val)).To(Equal("2"))
	})

	It("delivers current values only to the new listener", func() {
		first, second := &recorder[*models.State]{}, &recorder[*models.State]{}
		fake.Reply("getStates", transport.OK(map[string]*models.State{"a.b": state("1")}))

		Expect(conn.SubscribeState(ctx, []string{"a.*"}, first.listener())).To(Succeed())
		Eventually(first.IDs).Should(Equal([]string{"a.b"}))

		Expect(conn.SubscribeState(ctx, []string{"a.*"}, second.listener())).To(Succeed())
		Eventually(second.IDs).Should(Equal([]string{"a.b"}))
		Consistently(first.Count, 50*time.Millisecond).Should(Equal(1))
		Expect(fake.CallCount("subscribe")).To(Equal(1))
		Expect(fake.CallCount("getStates")).To(Equal(2))
	})

	It("reference counts unsubscribes", func() {
		listeners := make([]*subscription.Listener[*models.State], 3)
		for i := range listeners {
			listeners[i] = (&recorder[*models.State]{}).listener()
			Expect(conn.SubscribeState(ctx, []string{"x.*"}, listeners[i])).To(Succeed())
		}

		Expect(conn.UnsubscribeState(ctx, []string{"x.*"}, listeners[0])).To(Succeed())
		Expect(conn.UnsubscribeState(ctx, []string{"x.*"}, listeners[1])).To(Succeed())
		Expect(fake.CallCount("unsubscribe")).To(Equal(0))

		Expect(conn.UnsubscribeState(ctx, []string{"x.*"}, listeners[2])).To(Succeed())
		Expect(fake.CallCount("unsubscribe")).To(Equal(1))

		Expect(conn.UnsubscribeState(ctx, []string{"x.*"}, listeners[2])).To(Succeed())
		Expect(fake.CallCount("unsubscribe")).To(Equal(1))
	})

	It("resubscribes every pattern once and fetches once per registry after reconnect", func() {
		states := &recorder[*models.State]{}
		objects := &recorder[*models.Object]{}
		files := &recorder[*models.FileChange]{}
		Expect(conn.SubscribeState(ctx, []string{"a.*", "b.*"}, states.listener())).To(Succeed())
		Expect(conn.SubscribeObject(ctx, []string{"system.adapter.*"}, objects.listener())).To(Succeed())
		Expect(conn.SubscribeFiles(ctx, []string{"vis.0/main/*"}, files.listener())).To(Succeed())

		fake.Down("network")
		Eventually(conn.Status).Should(Equal(connection.StatusConnecting))
		fake.ResetCalls()
		fake.Reply("getStates", transport.OK(map[string]*models.State{"a.1": state("1"), "b.1": state("2")}))
		fake.Up()
		Eventually(conn.Status).Should(Equal(connection.StatusReady))

		Expect(fake.CallCount("subscribe")).To(Equal(2))
		Expect(fake.CallCount("subscribeObjects")).To(Equal(1))
		Expect(fake.CallCount("subscribeFiles")).To(Equal(1))
		Expect(fake.CallCount("getStates")).To(Equal(1))
		Expect(fake.CallCount("getForeignObjects")).To(Equal(1))

		var patterns []string
		Expect(fake.Calls("getStates")[0].Arg(0, &patterns)).To(Succeed())
		Expect(patterns).To(Equal([]string{"a.*", "b.*"}))
		Eventually(states.IDs).Should(Equal([]string{"a.1", "b.1"}))
	})

	It("takes a refused pattern back out of the registry", func() {
		refused, accepted := &recorder[*models.State]{}, &recorder[*models.State]{}
		fake.Reply("subscribe", transport.Fail("boom"))

		err := conn.SubscribeState(ctx, []string{"a.*"}, refused.listener())
		var remoteErr *connection.RemoteError
		Expect(errors.As(err, &remoteErr)).To(BeTrue())
		Expect(remoteErr.Message).To(Equal("boom"))

		fake.Reply("subscribe", transport.OK())
		Expect(conn.SubscribeState(ctx, []string{"a.*"}, accepted.listener())).To(Succeed())
		Expect(fake.CallCount("subscribe")).To(Equal(2))

		fake.Push(transport.EventStateChange, "a.b", state("2"))
		Eventually(accepted.Count).Should(Equal(1))
		Consistently(refused.Count, 50*time.Millisecond).Should(BeZero())
	})

	It("does not resend patterns an earlier attempt already wired", func() {
		retried, fake := start(connection.Options{BootstrapAttempts: 2})
		fake.Reply("getStates", transport.OK(map[string]*models.State{}))
		Expect(retried.SubscribeState(ctx, []string{"a.*", "b.*"}, (&recorder[*models.State]{}).listener())).To(Succeed())
		Expect(retried.SubscribeFiles(ctx, []string{"vis.0/main/*"}, (&recorder[*models.FileChange]{}).listener())).To(Succeed())

		var attempts atomic.Int32
		fake.Handle("subscribeFiles", func([]json.RawMessage) (transport.Reply, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return transport.OK(), nil
		})
		fake.Up()

		Eventually(retried.Status, 3*time.Second).Should(Equal(connection.StatusReady))
		Expect(fake.CallCount("subscribeFiles")).To(Equal(2))
		Expect(fake.CallCount("subscribe")).To(Equal(2))
	})

	It("keeps listeners but skips the wire while disconnected", func() {
		rec := &recorder[*models.State]{}
		fake.Down("network")
		Eventually(conn.Status).Should(Equal(connection.StatusConnecting))

		Expect(conn.SubscribeState(ctx, []string{"late.*"}, rec.listener())).To(Succeed())
		Expect(fake.CallCount("subscribe")).To(Equal(0))

		fake.Up()
		Eventually(conn.Status).Should(Equal(connection.StatusReady))
		Expect(fake.CallCount("subscribe")).To(Equal(1))
	})

	It("isolates a panicking listener", func() {
		before := testutil.ToFloat64(metrics.CallbackPanics(metrics.RegistryState))
		rec := &recorder[*models.State]{}
		boom := subscription.NewListener(func(string, *models.State) { panic("boom") })

		Expect(conn.SubscribeState(ctx, []string{"p.*"}, boom)).To(Succeed())
		Expect(conn.SubscribeState(ctx, []string{"p.*"}, rec.listener())).To(Succeed())

		fake.Push(transport.EventStateChange, "p.1", state("true"))
		Eventually(rec.IDs).Should(Equal([]string{"p.1"}))
		Expect(testutil.ToFloat64(metrics.CallbackPanics(metrics.RegistryState)) - before).To(Equal(1.0))
	})

	It("passes deleted states as nil and keeps the object cache current", func() {
		states := &recorder[*models.State]{}
		objects := &recorder[*models.Object]{}
		Expect(conn.SubscribeState(ctx, []string{"a.*"}, states.listener())).To(Succeed())
		Expect(conn.SubscribeObject(ctx, []string{"a.*"}, objects.listener())).To(Succeed())

		fake.Push(transport.EventStateChange, "a.b", nil)
		Eventually(states.Payloads).Should(Equal([]*models.State{nil}))

		fake.Push(transport.EventObjectChange, "a.b", &models.Object{ID: "a.b", Type: models.ObjectTypeState})
		Eventually(objects.Count).Should(Equal(1))
		Expect(conn.Objects()).To(HaveKey("a.b"))

		fake.Push(transport.EventObjectChange, "a.b", nil)
		Eventually(objects.Count).Should(Equal(2))
		Expect(conn.Objects()).NotTo(HaveKey("a.b"))
	})

	It("splits file patterns for the wire and reports changes by adapter and path", func() {
		rec := &recorder[*models.FileChange]{}
		Expect(conn.SubscribeFiles(ctx, []string{"vis.0/main/*"}, rec.listener())).To(Succeed())

		call := fake.Calls("subscribeFiles")[0]
		var adapter, path string
		Expect(call.Arg(0, &adapter)).To(Succeed())
		Expect(call.Arg(1, &path)).To(Succeed())
		Expect(adapter).To(Equal("vis.0"))
		Expect(path).To(Equal("main/*"))

		fake.Push(transport.EventFileChange, "vis.0", "main/a.json", 12)
		fake.Push(transport.EventFileChange, "vis.0", "main/b.json", nil)
		fake.Push(transport.EventFileChange, "other.0", "main/a.json", 1)

		Eventually(rec.IDs).Should(Equal([]string{"vis.0/main/a.json", "vis.0/main/b.json"}))
		payloads := rec.Payloads()
		Expect(payloads[0].Size).To(Equal(int64(12)))
		Expect(payloads[1].Deleted).To(BeTrue())
		Expect(fake.CallCount("getStates")).To(Equal(0))
	})

	It("streams command output", func() {
		rec := &recorder[*models.CmdOutput]{}
		off := conn.RegisterCmdListener(rec.listener())

		Expect(conn.CmdExec(ctx, "host1", "ls", 5)).To(Succeed())
		fake.Push(transport.EventCmdStdout, 5, "hello")
		fake.Push(transport.EventCmdExit, 5, 0)

		Eventually(rec.Count).Should(Equal(2))
		payloads := rec.Payloads()
		Expect(payloads[0]).To(Equal(&models.CmdOutput{ID: 5, Stream: "stdout", Data: "hello"}))
		Expect(payloads[1].Stream).To(Equal("exit"))

		off()
		fake.Push(transport.EventCmdStderr, 5, "late")
		Consistently(rec.Count, 50*time.Millisecond).Should(Equal(2))
	})
})
