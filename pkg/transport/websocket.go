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


package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/latency"
)

const commandAuthenticate = "authenticate"

// WebsocketOptions configures a websocket transport. Zero durations and
// sizes fall back to the package defaults in constants.
type WebsocketOptions struct {
	// URL is the server base, http(s):// or ws(s)://.
	URL string
	// Name is sent as sid and in the authenticate frame.
	Name string

	// Username enables the HTTP login before every dial.
	Username    string
	Password    string
	InsecureTLS bool
	// HTTPClient is used for the login. Defaults to NewHTTPClient(InsecureTLS).
	HTTPClient   *http.Client
	LoginRetries int

	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	// CompressThreshold is the frame size from which frames are sent
	// zstd-compressed. Negative disables compression.
	CompressThreshold int
	SendBuffer        int

	Logger *zap.SugaredLogger
}

func (o *WebsocketOptions) applyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDuration(&o.HandshakeTimeout, constants.DefaultHandshakeTimeout)
	setDuration(&o.AuthTimeout, constants.DefaultAuthTimeout)
	setDuration(&o.PingInterval, constants.DefaultPingInterval)
	setDuration(&o.PongWait, constants.DefaultPongWait)
	setDuration(&o.WriteWait, constants.DefaultWriteWait)
	setDuration(&o.ReconnectMin, constants.DefaultReconnectMin)
	setDuration(&o.ReconnectMax, constants.DefaultReconnectMax)

	if o.CompressThreshold == 0 {
		o.CompressThreshold = constants.DefaultCompressThreshold
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = constants.DefaultSendBuffer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = NewHTTPClient(o.InsecureTLS)
	}
}

type outbound struct {
	data   []byte
	binary bool
}

// session is one authenticated websocket connection. The writer
// goroutine owns all data writes on conn.
type session struct {
	conn   *websocket.Conn
	send   chan outbound
	closed chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Websocket is a Transport that keeps one websocket session alive,
// reconnecting with exponential backoff until closed.
type Websocket struct {
	opts    WebsocketOptions
	baseURL string
	wsURL   string
	log     *zap.SugaredLogger

	handlers *handlers
	pending  *pendingAcks
	nextID   atomic.Uint64
	latency  *latency.Window

	mu            sync.RWMutex
	current       *session
	everConnected bool
	started       bool
	stopErr       error

	firstUp   chan struct{}
	firstOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*Websocket)(nil)

// NewWebsocket validates opts and returns an idle transport. Nothing is
// dialled before Connect.
func NewWebsocket(opts WebsocketOptions) (*Websocket, error) {
	opts.applyDefaults()

	baseURL, wsURL, err := endpoints(opts.URL, opts.Name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Websocket{
		opts:     opts,
		baseURL:  baseURL,
		wsURL:    wsURL,
		log:      logger.OrNop(opts.Logger).With("url", baseURL),
		handlers: newHandlers(),
		pending:  newPendingAcks(),
		latency:  latency.NewWindow(constants.LatencyWindow),
		firstUp:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// endpoints derives the HTTP base used for the login and the websocket
// URL from a server base URL.
func endpoints(raw, name string) (baseURL, wsURL string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid server url %q: missing host", raw)
	}

	httpURL, ws := *u, *u
	switch u.Scheme {
	case "http", "ws":
		httpURL.Scheme, ws.Scheme = "http", "ws"
	case "https", "wss":
		httpURL.Scheme, ws.Scheme = "https", "wss"
	default:
		return "", "", fmt.Errorf("invalid server url %q: unsupported scheme %q", raw, u.Scheme)
	}

	httpURL.Path = strings.TrimRight(u.Path, "/")
	httpURL.RawQuery = ""
	ws.Path = httpURL.Path + constants.WebsocketPath
	q := url.Values{}
	q.Set("sid", name)
	ws.RawQuery = q.Encode()

	return httpURL.String(), ws.String(), nil
}

// Connect starts the supervisor and waits for the first handshake.
func (w *Websocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return ErrClosed
	}
	if !w.started {
		w.started = true
		go w.supervise()
	}
	w.mu.Unlock()

	select {
	case <-w.firstUp:
		return nil
	case <-w.done:
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops supervision and closes the live session. Pending emits fail
// with ErrNotConnected.
func (w *Websocket) Close() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	w.cancel()
	if started {
		<-w.done
	}
	return nil
}

func (w *Websocket) Connected() bool {
	return w.session() != nil
}

func (w *Websocket) On(event EventName, h Handler) func() {
	return w.handlers.on(event, h)
}

// Latency summarises emit round trips of the last few minutes.
func (w *Websocket) Latency() models.Latency {
	return w.latency.Stats()
}

func (w *Websocket) session() *session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Websocket) Emit(ctx context.Context, command string, args ...any) (Reply, error) {
	s := w.session()
	if s == nil {
		if w.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, ErrNotConnected
	}

	encoded, err := Args(args...)
	if err != nil {
		return nil, err
	}
	id := w.nextID.Add(1)
	data, binary, err := EncodeFrame(Frame{T: FrameEmit, ID: id, N: command, A: encoded}, w.opts.CompressThreshold)
	if err != nil {
		return nil, err
	}

	ch := w.pending.add(id)
	start := time.Now()

	select {
	case s.send <- outbound{data: data, binary: binary}:
	case <-s.closed:
		w.pending.remove(id)
		return nil, ErrNotConnected
	case <-ctx.Done():
		w.pending.remove(id)
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		w.latency.Record(time.Since(start))
		return res.reply, nil
	case <-ctx.Done():
		w.pending.remove(id)
		return nil, ctx.Err()
	case <-s.closed:
		w.pending.remove(id)
		select {
		case res := <-ch:
			return res.reply, res.err
		default:
			return nil, ErrNotConnected
		}
	}
}

func (w *Websocket) supervise() {
	defer close(w.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.ReconnectMin
	b.MaxInterval = w.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		established, err := w.runSession()
		if w.ctx.Err() != nil {
			w.stop(ErrClosed)
			return
		}
		if errors.Is(err, ErrReauthenticationRequired) {
			w.log.Warnf("Server rejected the session credentials: %v", err)
			w.handlers.fire(EventReauthenticate, nil)
			w.stop(err)
			return
		}

		if established {
			b.Reset()
		}
		delay := b.NextBackOff()
		w.log.Infof("Websocket session ended (%v), reconnecting in %s", err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			w.stop(ErrClosed)
			return
		case <-timer.C:
		}
	}
}

func (w *Websocket) stop(err error) {
	w.mu.Lock()
	w.stopErr = err
	w.mu.Unlock()
}

// runSession dials, authenticates and serves one session until it
// breaks. established reports whether the handshake completed.
func (w *Websocket) runSession() (established bool, err error) {
	header := http.Header{}
	if w.opts.Username != "" {
		cookie, err := Login(w.ctx, LoginOptions{
			BaseURL:  w.baseURL,
			Username: w.opts.Username,
			Password: w.opts.Password,
			Client:   w.opts.HTTPClient,
			Retries:  w.opts.LoginRetries,
			Logger:   w.log,
		})
		if err != nil {
			return false, err
		}
		header.Add("Cookie", (&http.Cookie{Name: cookie.Name, Value: cookie.Value}).String())
	}

	conn, err := w.dial(header)
	if err != nil {
		return false, err
	}
	if err := w.authenticate(conn); err != nil {
		_ = conn.Close()
		return false, err
	}

	s := &session{
		conn:   conn,
		send:   make(chan outbound, w.opts.SendBuffer),
		closed: make(chan struct{}),
	}

	w.mu.Lock()
	w.current = s
	reconnect := w.everConnected
	w.everConnected = true
	w.mu.Unlock()

	go w.writeLoop(s)
	go func() {
		select {
		case <-w.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.opts.WriteWait))
			s.close()
		case <-s.closed:
		}
	}()

	if reconnect {
		w.log.Info("Websocket session restored")
		w.handlers.fire(EventReconnect, nil)
	} else {
		w.log.Info("Websocket session established")
		w.handlers.fire(EventConnect, nil)
		w.firstOnce.Do(func() { close(w.firstUp) })
	}

	err = w.readLoop(s)

	w.mu.Lock()
	if w.current == s {
		w.current = nil
	}
	w.mu.Unlock()
	s.close()

	if n := w.pending.failAll(ErrNotConnected); n > 0 {
		w.log.Debugf("Failed %d pending emits after disconnect", n)
	}
	reason, _ := Args(fmt.Sprint(err))
	w.handlers.fire(EventDisconnect, reason)

	return true, err
}

func (w *Websocket) dial(header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.opts.HandshakeTimeout,
	}
	if w.opts.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(w.ctx, w.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket upgrade rejected: %w", ErrReauthenticationRequired)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", w.wsURL, err)
	}
	return conn, nil
}

// authenticate sends the authenticate emit and waits for its ack. Frames
// arriving before the ack are dropped.
func (w *Websocket) authenticate(conn *websocket.Conn) error {
	id := w.nextID.Add(1)
	args, err := Args(w.opts.Name)
	if err != nil {
		return err
	}
	data, _, err := EncodeFrame(Frame{T: FrameEmit, ID: id, N: commandAuthenticate, A: args}, 0)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(w.opts.AuthTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send authenticate: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("no authenticate ack: %w", err)
		}
		f, err := DecodeFrame(message, messageType == websocket.BinaryMessage)
		if err != nil {
			return err
		}
		if f.T != FrameAck || f.ID != id {
			continue
		}

		reply := Reply(f.A)
		if msg := reply.Err(); msg != "" {
			return fmt.Errorf("authenticate failed: %s", msg)
		}
		var isOk, isSecure bool
		if err := reply.Decode(0, &isOk); err != nil {
			return err
		}
		_ = reply.Decode(1, &isSecure)
		if !isOk {
			return fmt.Errorf("authenticate refused for %s: %w", w.opts.Name, ErrReauthenticationRequired)
		}
		w.log.Debugf("Authenticated as %s (secure: %t)", w.opts.Name, isSecure)
		return nil
	}
}

func (w *Websocket) readLoop(s *session) error {
	conn := s.conn
	_ = conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))

		f, err := DecodeFrame(message, messageType == websocket.BinaryMessage)
		if err != nil {
			w.log.Warnf("Dropping malformed frame: %v", err)
			continue
		}

		switch f.T {
		case FrameAck:
			if !w.pending.resolve(f.ID, Reply(f.A)) {
				w.log.Debugf("Discarding ack %d without a waiter", f.ID)
			}
		case FrameEvent, FrameEmit:
			w.handlers.fire(EventName(f.N), f.A)
		}
	}
}

func (w *Websocket) writeLoop(s *session) {
	defer s.close()

	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case m := <-s.send:
			messageType := websocket.TextMessage
			if m.binary {
				messageType = websocket.BinaryMessage
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteWait))
			if err := s.conn.WriteMessage(messageType, m.data); err != nil {
				w.log.Infof("Websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteWait)); err != nil {
				w.log.Infof("Websocket ping failed: %v", err)
				return
			}
		}
	}
}
