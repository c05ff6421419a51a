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


package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

// peerConn is the server side of one websocket session.
type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *peerConn) send(f transport.Frame, threshold int) {
	data, binary, err := transport.EncodeFrame(f, threshold)
	Expect(err).NotTo(HaveOccurred())

	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(messageType, data)
}

func (c *peerConn) ack(id uint64, reply transport.Reply) {
	c.send(transport.Frame{T: transport.FrameAck, ID: id, A: reply}, 0)
}

func (c *peerConn) push(name string, args ...any) {
	encoded, err := transport.Args(args...)
	Expect(err).NotTo(HaveOccurred())
	c.send(transport.Frame{T: transport.FrameEvent, N: name, A: encoded}, 0)
}

type received struct {
	frame  transport.Frame
	binary bool
}

// peer is a minimal admin server speaking the frame protocol.
type peer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	authOK   atomic.Bool
	sessions atomic.Int32
	sids     chan string
	conns    chan *peerConn
	frames   chan received

	// onEmit answers emits; nil leaves them unanswered.
	mu     sync.Mutex
	onEmit func(c *peerConn, f transport.Frame)
}

func newPeer() *peer {
	p := &peer{
		sids:   make(chan string, 16),
		conns:  make(chan *peerConn, 16),
		frames: make(chan received, 64),
	}
	p.authOK.Store(true)
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

func (p *peer) setOnEmit(fn func(c *peerConn, f transport.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEmit = fn
}

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	c := &peerConn{conn: conn}
	p.sids <- r.URL.Query().Get("sid")

	_, message, err := conn.ReadMessage()
	if err != nil {
		return
	}
	auth, err := transport.DecodeFrame(message, false)
	if err != nil || auth.N != "authenticate" {
		return
	}
	c.ack(auth.ID, transport.OK(p.authOK.Load(), false))
	if !p.authOK.Load() {
		return
	}
	p.sessions.Add(1)
	p.conns <- c

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		binary := messageType == websocket.BinaryMessage
		f, err := transport.DecodeFrame(message, binary)
		if err != nil {
			continue
		}
		p.frames <- received{frame: f, binary: binary}

		p.mu.Lock()
		onEmit := p.onEmit
		p.mu.Unlock()
		if onEmit != nil {
			onEmit(c, f)
		}
	}
}

var _ = Describe("Websocket", func() {
	var (
		p  *peer
		ws *transport.Websocket
	)

	newTransport := func() *transport.Websocket {
		t, err := transport.NewWebsocket(transport.WebsocketOptions{
			URL:               p.server.URL,
			Name:              "admin.0",
			ReconnectMin:      10 * time.Millisecond,
			ReconnectMax:      50 * time.Millisecond,
			AuthTimeout:       time.Second,
			CompressThreshold: 1024,
		})
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	BeforeEach(func() {
		p = newPeer()
		p.setOnEmit(func(c *peerConn, f transport.Frame) {
			if f.N == "echo" {
				c.ack(f.ID, append(transport.Reply{json.RawMessage("null")}, f.A...))
			}
		})
		ws = newTransport()
	})

	AfterEach(func() {
		Expect(ws.Close()).To(Succeed())
		p.server.Close()
	})

	connect := func() *peerConn {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(ws.Connect(ctx)).To(Succeed())
		var c *peerConn
		Eventually(p.conns).Should(Receive(&c))
		return c
	}

	It("rejects malformed urls", func() {
		_, err := transport.NewWebsocket(transport.WebsocketOptions{URL: "ftp://x"})
		Expect(err).To(MatchError(ContainSubstring("unsupported scheme")))
		_, err = transport.NewWebsocket(transport.WebsocketOptions{URL: "/relative"})
		Expect(err).To(MatchError(ContainSubstring("missing host")))
	})

	It("authenticates and fires connect once", func() {
		var connects atomic.Int32
		ws.On(transport.EventConnect, func([]json.RawMessage) { connects.Add(1) })

		connect()
		Expect(ws.Connected()).To(BeTrue())
		Expect(connects.Load()).To(BeEquivalentTo(1))
		Eventually(p.sids).Should(Receive(Equal("admin.0")))
	})

	It("fails before connecting", func() {
		_, err := ws.Emit(context.Background(), "echo")
		Expect(err).To(MatchError(transport.ErrNotConnected))
	})

	It("matches acks to emits", func() {
		connect()

		reply, err := ws.Emit(context.Background(), "echo", "a", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Err()).To(BeEmpty())

		var s string
		var n int
		Expect(reply.Decode(0, &s)).To(Succeed())
		Expect(reply.Decode(1, &n)).To(Succeed())
		Expect(s).To(Equal("a"))
		Expect(n).To(Equal(2))
		Expect(ws.Latency().Max).To(BeNumerically(">", 0))
	})

	It("delivers push events", func() {
		got := make(chan string, 1)
		ws.On(transport.EventStateChange, func(args []json.RawMessage) {
			var id string
			_ = json.Unmarshal(args[0], &id)
			got <- id
		})

		c := connect()
		c.push("stateChange", "system.adapter.admin.0.alive", map[string]any{"val": true})
		Eventually(got).Should(Receive(Equal("system.adapter.admin.0.alive")))
	})

	It("compresses large emits and inflates large acks", func() {
		big := strings.Repeat("y", 8192)
		p.setOnEmit(func(c *peerConn, f transport.Frame) {
			c.send(transport.Frame{T: transport.FrameAck, ID: f.ID, A: append(transport.Reply{json.RawMessage("null")}, f.A...)}, 1024)
		})
		connect()

		reply, err := ws.Emit(context.Background(), "writeFile64", big)
		Expect(err).NotTo(HaveOccurred())
		var echoed string
		Expect(reply.Decode(0, &echoed)).To(Succeed())
		Expect(echoed).To(Equal(big))

		var r received
		Eventually(p.frames).Should(Receive(&r))
		Expect(r.binary).To(BeTrue())
	})

	It("fails pending emits on disconnect and reconnects", func() {
		p.setOnEmit(nil)
		var reconnects, disconnects atomic.Int32
		ws.On(transport.EventReconnect, func([]json.RawMessage) { reconnects.Add(1) })
		ws.On(transport.EventDisconnect, func([]json.RawMessage) { disconnects.Add(1) })

		c := connect()

		errs := make(chan error, 1)
		go func() {
			_, err := ws.Emit(context.Background(), "getStates", "*")
			errs <- err
		}()
		Eventually(p.frames).Should(Receive())

		_ = c.conn.Close()
		Eventually(errs).Should(Receive(MatchError(transport.ErrNotConnected)))
		Eventually(disconnects.Load).Should(BeEquivalentTo(1))

		Eventually(p.conns, 2*time.Second).Should(Receive())
		Eventually(reconnects.Load).Should(BeEquivalentTo(1))
		Eventually(ws.Connected).Should(BeTrue())
		Expect(p.sessions.Load()).To(BeEquivalentTo(2))
	})

	It("drops the pending ack when the caller gives up", func() {
		var late atomic.Pointer[peerConn]
		var lateID atomic.Uint64
		p.setOnEmit(func(c *peerConn, f transport.Frame) {
			lateID.Store(f.ID)
			late.Store(c)
		})
		connect()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := ws.Emit(ctx, "getVersion")
		Expect(err).To(MatchError(context.DeadlineExceeded))

		Eventually(late.Load).ShouldNot(BeNil())
		late.Load().ack(lateID.Load(), transport.OK("7.0.0"))
		Consistently(ws.Connected, 100*time.Millisecond).Should(BeTrue())
	})

	It("stops and asks for reauthentication when authentication is refused", func() {
		p.authOK.Store(false)
		reauth := make(chan struct{}, 1)
		ws.On(transport.EventReauthenticate, func([]json.RawMessage) { reauth <- struct{}{} })

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(ws.Connect(ctx)).To(MatchError(transport.ErrReauthenticationRequired))
		Eventually(reauth).Should(Receive())
	})

	It("refuses to connect after close", func() {
		Expect(ws.Close()).To(Succeed())
		Expect(ws.Connect(context.Background())).To(MatchError(transport.ErrClosed))
		_, err := ws.Emit(context.Background(), "echo")
		Expect(err).To(MatchError(transport.ErrClosed))
	})
})
