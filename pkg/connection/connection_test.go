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
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/connection"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

var _ = Describe("Connection lifecycle", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("rejects unknown roles", func() {
		_, err := connection.New(transport.NewFake(), connection.Options{Role: "root"})
		Expect(err).To(MatchError(ContainSubstring("unknown role")))
	})

	It("gates calls until the session is ready enough and then resolves them", func() {
		conn, fake := start(connection.Options{})
		Expect(conn.Status()).To(Equal(connection.StatusConnecting))

		_, err := conn.GetObject(ctx, "system.config")
		Expect(err).To(MatchError(connection.ErrNotConnected))
		Expect(fake.CallCount("getObject")).To(Equal(0))

		fake.Up()
		Expect(conn.WaitReady(ctx)).To(Succeed())

		obj, err := conn.GetObject(ctx, "system.config")
		Expect(err).NotTo(HaveOccurred())
		Expect(obj.ID).To(Equal("system.config"))
		Expect(obj.Common).To(HaveKeyWithValue("language", "en"))
		Expect(conn.SystemConfig().ID).To(Equal("system.config"))
	})

	It("walks the statuses in order", func() {
		var (
			mu   sync.Mutex
			seen []connection.Status
		)
		conn, fake := start(connection.Options{
			Role:           connection.RoleAdmin,
			LoadAllObjects: true,
			AutoSubscribes: []string{"system.adapter.*.alive"},
			OnStatusChange: func(_, to connection.Status) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, to)
			},
		})
		fake.Reply("getAllObjects", transport.OK(map[string]*models.Object{
			"a.0": {ID: "a.0", Type: models.ObjectTypeInstance},
		}))

		fake.Up()
		Eventually(conn.Status).Should(Equal(connection.StatusReady))

		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal([]connection.Status{
			connection.StatusConnected,
			connection.StatusObjectsLoaded,
			connection.StatusStatesLoaded,
			connection.StatusReady,
		}))
		Expect(fake.CallCount("getObjects")).To(Equal(0))
		Expect(fake.CallCount("getAllObjects")).To(Equal(1))
		Expect(fake.CallCount("subscribe")).To(Equal(1))
		Expect(conn.Objects()).To(HaveKey("a.0"))
	})

	It("hands out copies of the object cache", func() {
		conn, fake := start(connection.Options{LoadAllObjects: true})
		fake.Reply("getObjects", transport.OK(map[string]*models.Object{
			"a.0": {ID: "a.0", Common: map[string]interface{}{"name": "A"}},
		}))
		fake.Up()
		Eventually(conn.Status).Should(Equal(connection.StatusReady))

		copied := conn.Objects()
		copied["a.0"].Common["name"] = "changed"
		Expect(conn.Objects()["a.0"].Name()).To(Equal("A"))
	})

	It("returns to connecting on disconnect and fails calls fast", func() {
		conn, fake := startReady(connection.Options{})

		fake.Down("network")
		Eventually(conn.Status).Should(Equal(connection.StatusConnecting))

		_, err := conn.GetState(ctx, "a.b")
		Expect(err).To(MatchError(connection.ErrNotConnected))
		var opErr *connection.OpError
		Expect(errors.As(err, &opErr)).To(BeTrue())
		Expect(opErr.Op).To(Equal("GetState"))
		Expect(opErr.ID).To(Equal("a.b"))
	})

	It("fails in-flight calls with ErrNotConnected on disconnect", func() {
		conn, fake := startReady(connection.Options{})
		fake.Hang("getState")

		errs := make(chan error, 1)
		go func() {
			_, err := conn.GetState(ctx, "a.b")
			errs <- err
		}()
		Eventually(func() int { return fake.Hanging("getState") }).Should(Equal(1))

		fake.Down("network")
		Eventually(errs).Should(Receive(MatchError(connection.ErrNotConnected)))
	})

	It("restores without a new bootstrap after reconnect", func() {
		conn, fake := startReady(connection.Options{})
		Expect(fake.CallCount("getObject")).To(Equal(1))

		fake.Down("network")
		Eventually(conn.Status).Should(Equal(connection.StatusConnecting))
		fake.Up()
		Eventually(conn.Status).Should(Equal(connection.StatusReady))

		Expect(fake.CallCount("authEnabled")).To(Equal(2))
		Expect(fake.CallCount("getObject")).To(Equal(1))
	})

	It("asks for reauthentication when the user changed", func() {
		reauth := make(chan struct{}, 1)
		conn, fake := start(connection.Options{
			OnReauthenticate: func() { reauth <- struct{}{} },
		})
		fake.Reply("authEnabled", transport.OK(true, "admin"))
		fake.Up()
		Eventually(conn.Status).Should(Equal(connection.StatusReady))

		fake.Down("network")
		Eventually(conn.Status).Should(Equal(connection.StatusConnecting))
		fake.Reply("authEnabled", transport.OK(true, "guest"))
		fake.Up()

		Eventually(reauth).Should(Receive())
		Consistently(conn.Status, 100*time.Millisecond).Should(Equal(connection.StatusConnected))
	})

	It("forwards a reauthenticate push", func() {
		called := make(chan struct{}, 1)
		_, fake := startReady(connection.Options{
			OnReauthenticate: func() { called <- struct{}{} },
		})
		fake.Push(transport.EventReauthenticate)
		Eventually(called).Should(Receive())
	})

	Describe("reload", func() {
		It("runs the full bootstrap when the server version changed", func() {
			reloads := make(chan struct{}, 2)
			conn, fake := start(connection.Options{
				OnReload: func() { reloads <- struct{}{} },
			})
			fake.Reply("getVersion", transport.OK("7.0.0"))
			fake.Up()
			Eventually(conn.Status).Should(Equal(connection.StatusReady))

			fake.Down("upgrade")
			Eventually(conn.Status).Should(Equal(connection.StatusConnecting))
			fake.Reply("getVersion", transport.OK("7.1.0"))
			fake.Up()

			Eventually(reloads).Should(Receive())
			Eventually(conn.Status).Should(Equal(connection.StatusReady))
			Expect(fake.CallCount("getObject")).To(Equal(2))
		})

		It("keeps the session when the version is only spelled differently", func() {
			reloads := make(chan struct{}, 2)
			conn, fake := start(connection.Options{
				OnReload: func() { reloads <- struct{}{} },
			})
			fake.Reply("getVersion", transport.OK("7.0.0"))
			fake.Up()
			Eventually(conn.Status).Should(Equal(connection.StatusReady))

			fake.Down("network")
			Eventually(conn.Status).Should(Equal(connection.StatusConnecting))
			fake.Reply("getVersion", transport.OK("v7.0.0"))
			fake.Up()

			Eventually(conn.Status).Should(Equal(connection.StatusReady))
			Consistently(reloads, 100*time.Millisecond).ShouldNot(Receive())
			Expect(fake.CallCount("getObject")).To(Equal(1))
		})

		It("reloads right away on a reload push", func() {
			reloads := make(chan struct{}, 1)
			_, fake := startReady(connection.Options{
				OnReload: func() { reloads <- struct{}{} },
			})

			fake.Push(transport.EventReload)
			Eventually(reloads).Should(Receive())
			Eventually(func() int { return fake.CallCount("getObject") }).Should(Equal(2))
		})
	})

	Describe("bootstrap failures", func() {
		It("does not retry a refused bootstrap and stays connected", func() {
			errs := make(chan error, 4)
			conn, fake := start(connection.Options{
				BootstrapAttempts: 3,
				OnError:           func(err error) { errs <- err },
			})
			fake.Reply("getObject", transport.Fail("no such object"))
			fake.Up()

			var remoteErr *connection.RemoteError
			Eventually(errs).Should(Receive(BeAssignableToTypeOf(remoteErr)))
			Expect(fake.CallCount("getObject")).To(Equal(1))
			Expect(conn.Status()).To(Equal(connection.StatusConnected))
		})

		It("retries timed out attempts until the budget is spent", func() {
			errs := make(chan error, 4)
			conn, fake := start(connection.Options{
				BootstrapAttempts: 2,
				InfoTimeout:       30 * time.Millisecond,
				OnError:           func(err error) { errs <- err },
			})
			fake.Hang("getObject")
			fake.Up()

			var err error
			Eventually(errs, 3*time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(connection.ErrTimeout))
			Expect(fake.CallCount("getObject")).To(Equal(2))
			Expect(conn.Status()).To(Equal(connection.StatusConnected))
		})

		It("asks again on every attempt when the call outlives the attempt", func() {
			errs := make(chan error, 4)
			conn, fake := start(connection.Options{
				BootstrapAttempts: 3,
				BootstrapTimeout:  150 * time.Millisecond,
				InfoTimeout:       5 * time.Second,
				OnError:           func(err error) { errs <- err },
			})
			fake.Hang("getObject")
			fake.Up()

			Eventually(func() int { return fake.CallCount("getObject") }, 3*time.Second).Should(BeNumerically(">=", 2))

			var err error
			Eventually(errs, 5*time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(connection.ErrTimeout))
			Expect(fake.CallCount("getObject")).To(Equal(3))
			Expect(conn.Status()).To(Equal(connection.StatusConnected))
		})

		It("loads permissions when asked to", func() {
			conn, fake := start(connection.Options{CheckPermissions: true})
			fake.Reply("getUserPermissions", transport.OK(models.Permissions{
				User:   "system.user.admin",
				Groups: []string{"system.group.administrator"},
			}))
			fake.Up()
			Eventually(conn.Status).Should(Equal(connection.StatusReady))

			Expect(conn.IsAdmin()).To(BeTrue())
			Expect(conn.Permissions().User).To(Equal("system.user.admin"))
		})
	})

	It("wakes status waiters on close", func() {
		conn, _ := start(connection.Options{})
		errs := make(chan error, 1)
		go func() { errs <- conn.WaitReady(ctx) }()

		Expect(conn.Close()).To(Succeed())
		Eventually(errs).Should(Receive(MatchError(connection.ErrClosed)))
	})

	It("forwards server errors and logs", func() {
		errs := make(chan error, 2)
		logs := make(chan string, 1)
		_, fake := startReady(connection.Options{
			OnError: func(err error) { errs <- err },
			OnLog:   func(msg string) { logs <- msg },
		})

		fake.Push(transport.EventPermissionError, map[string]any{"command": "setState", "type": "state", "operation": "write", "arg": "a.b"})
		var err error
		Eventually(errs).Should(Receive(&err))
		Expect(err).To(MatchError(connection.ErrPermissionDenied))
		Expect(err.Error()).To(ContainSubstring("a.b"))

		fake.Push(transport.EventError, "disk full")
		Eventually(errs).Should(Receive(MatchError(ContainSubstring("disk full"))))

		fake.Push(transport.EventLog, "hello")
		Eventually(logs).Should(Receive(Equal("hello")))
	})
})
