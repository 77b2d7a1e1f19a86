package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/nopub/internal/cache"
	"github.com/sandwichfarm/nopub/internal/config"
	"github.com/sandwichfarm/nopub/internal/limiter"
	"github.com/sandwichfarm/nopub/internal/ops"
	"github.com/sandwichfarm/nopub/internal/storage"
)

const writeTimeout = 10 * time.Second

// EventStore is the storage collaborator surface the engine consumes.
// *storage.Store implements it.
type EventStore interface {
	WriteEvent(ctx context.Context, evt *nostr.Event) (storage.WriteResult, error)
	QueryEvents(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
}

// Server owns the websocket boundary: it accepts connections, runs one
// read loop per connection and hands protocol frames to the engine.
type Server struct {
	cfg         *config.Config
	store       EventStore
	cache       cache.Cache
	limiter     *limiter.Limiter
	registry    *Registry
	broadcaster *Broadcaster
	log         *ops.Logger
	diag        *ops.Diagnostics

	httpSrv *http.Server
	conns   *xsync.MapOf[*connection, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer assembles the relay engine around its collaborators.
func NewServer(cfg *config.Config, store EventStore, c cache.Cache, b *Broadcaster, registry *Registry, log *ops.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		cache:       c,
		registry:    registry,
		broadcaster: b,
		log:         log.WithComponent("relay"),
		conns:       xsync.NewMapOf[*connection, struct{}](),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = limiter.New(cfg.RateLimit.TokensPerSecond, cfg.RateLimit.MaxTokens, cfg.RateLimit.MaxBuckets)
	}
	counter, _ := store.(ops.EventCounter)
	s.diag = ops.NewDiagnostics(Version, counter, s)
	return s
}

// ConnectionCount reports the number of open websocket connections.
func (s *Server) ConnectionCount() int { return s.conns.Size() }

// SubscriptionCount reports the number of live subscriptions.
func (s *Server) SubscriptionCount() int { return s.registry.Size() }

// Start binds the listener and launches the broadcast consumer and the
// idle sweeper.
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcaster.Run(s.ctx)
	}()

	if s.cfg.Relay.IdleTimeoutSeconds > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSweeper(s.ctx)
		}()
	}

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Relay.ListenAddr(),
		Handler: s,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server failed", "error", err)
		}
	}()

	s.log.Info("relay listening", "addr", s.cfg.Relay.ListenAddr())
	return nil
}

// Stop closes the listener, all connections and the background tasks.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}
	s.conns.Range(func(c *connection, _ struct{}) bool {
		c.close(websocket.StatusGoingAway, "relay shutting down")
		return true
	})
	s.wg.Wait()
	return nil
}

// ServeHTTP upgrades websocket requests and serves the relay info
// document to plain HTTP clients.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "websocket" {
		s.acceptWebsocket(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/nostr+json" {
		s.serveInfoDocument(w)
		return
	}
	if r.URL.Path == "/health" {
		s.serveHealth(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s - a nostr relay\nconnect with a websocket client\n", s.cfg.Relay.Name)
}

func (s *Server) acceptWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // nostr clients connect cross-origin
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &connection{
		ws:       ws,
		remote:   r.RemoteAddr,
		clientID: limiter.ClientID(r.RemoteAddr),
		srv:      s,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.touch()

	s.conns.Store(c, struct{}{})
	s.log.LogConnection(c.remote, true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.readLoop()
	}()
}

// runSweeper periodically closes idle connections and trims stale rate
// buckets. Advisory cleanup: matching works for unswept connections too.
func (s *Server) runSweeper(ctx context.Context) {
	timeout := s.cfg.Relay.IdleTimeout()
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.conns.Range(func(c *connection, _ struct{}) bool {
				if now.Unix()-c.lastActive.Load() > int64(timeout.Seconds()) {
					s.log.Info("closing idle connection", "remote", c.remote)
					c.close(websocket.StatusNormalClosure, "idle timeout")
				}
				return true
			})
			if s.limiter != nil {
				s.limiter.Sweep(timeout)
			}
		}
	}
}

// connection is one websocket client. Writes are serialized by a mutex
// because the read loop and the broadcast consumer both respond on it.
type connection struct {
	ws       *websocket.Conn
	remote   string
	clientID string
	srv      *Server

	writeMu    sync.Mutex
	lastActive atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func (c *connection) touch() {
	c.lastActive.Store(time.Now().Unix())
}

func (c *connection) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.LogPanic(r, string(debug.Stack()))
		}
		c.cleanup()
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		c.touch()

		if c.srv.limiter != nil && !c.srv.limiter.Allow(c.clientID) {
			// Drop the message, keep the connection.
			c.srv.log.LogRateLimited(c.clientID)
			continue
		}

		envelope := nostr.ParseMessage(string(data))
		if envelope == nil {
			c.sendNotice("invalid: unable to parse message")
			continue
		}

		switch env := envelope.(type) {
		case *nostr.EventEnvelope:
			c.srv.handleEvent(c, &env.Event)
		case *nostr.ReqEnvelope:
			c.srv.handleReq(c, env.SubscriptionID, env.Filters)
		case *nostr.CloseEnvelope:
			c.srv.handleClose(c, string(*env))
		default:
			c.sendNotice(fmt.Sprintf("invalid: unsupported message %q", envelope.Label()))
		}
	}
}

func (c *connection) cleanup() {
	c.srv.registry.RemoveAll(c)
	c.srv.conns.Delete(c)
	c.close(websocket.StatusNormalClosure, "")
	c.srv.log.LogConnection(c.remote, false)
}

func (c *connection) close(code websocket.StatusCode, reason string) {
	if c.closed.CompareAndSwap(false, true) {
		c.ws.Close(code, reason)
		c.cancel()
	}
}

// writeEnvelope marshals and sends one protocol frame under the write
// mutex.
func (c *connection) writeEnvelope(env nostr.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Label(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write %s envelope: %w", env.Label(), err)
	}
	return nil
}

// SendEvent implements Sender for broadcast delivery.
func (c *connection) SendEvent(subscriptionID string, evt *nostr.Event) error {
	env := nostr.EventEnvelope{SubscriptionID: &subscriptionID, Event: *evt}
	return c.writeEnvelope(&env)
}

func (c *connection) sendOK(eventID string, ok bool, reason string) {
	env := nostr.OKEnvelope{EventID: eventID, OK: ok, Reason: reason}
	if err := c.writeEnvelope(&env); err != nil {
		c.srv.log.Debug("failed to send OK", "remote", c.remote, "error", err)
	}
}

func (c *connection) sendEOSE(subscriptionID string) {
	env := nostr.EOSEEnvelope(subscriptionID)
	if err := c.writeEnvelope(&env); err != nil {
		c.srv.log.Debug("failed to send EOSE", "remote", c.remote, "error", err)
	}
}

func (c *connection) sendClosed(subscriptionID, reason string) {
	env := nostr.ClosedEnvelope{SubscriptionID: subscriptionID, Reason: reason}
	if err := c.writeEnvelope(&env); err != nil {
		c.srv.log.Debug("failed to send CLOSED", "remote", c.remote, "error", err)
	}
}

func (c *connection) sendNotice(message string) {
	env := nostr.NoticeEnvelope(message)
	if err := c.writeEnvelope(&env); err != nil {
		c.srv.log.Debug("failed to send NOTICE", "remote", c.remote, "error", err)
	}
}
