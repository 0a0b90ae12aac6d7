package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"etf_arb/internal/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	feedActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "etf_arb_feed_active_connections",
		Help: "Current number of audit feed websocket connections",
	})

	feedRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etf_arb_feed_rejected_total",
		Help: "Rejected audit feed websocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(feedActiveConnections)
	prometheus.MustRegister(feedRejectedTotal)
}

// FeedConfig tunes the websocket feed
type FeedConfig struct {
	AllowedOrigins []string
	MaxConnections int
	// per remote IP
	ConnectRate  float64
	ConnectBurst int
}

// Feed serves the hub over websocket at /ws
type Feed struct {
	hub      *Hub
	cfg      FeedConfig
	logger   core.ILogger
	upgrader websocket.Upgrader

	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter

	mu  sync.Mutex
	srv *http.Server
}

// NewFeed creates a websocket feed for hub
func NewFeed(hub *Hub, cfg FeedConfig, logger core.ILogger) *Feed {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.ConnectRate <= 0 {
		cfg.ConnectRate = 5
	}
	if cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = 10
	}
	f := &Feed{
		hub:           hub,
		cfg:           cfg,
		logger:        logger.WithField("component", "audit_feed"),
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     f.checkOrigin,
	}
	return f
}

// checkOrigin validates the connection origin against the allow list
func (f *Feed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send one.
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		f.logger.Warn("Rejected feed connection with invalid Origin", "origin", origin, "error", err)
		feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range f.cfg.AllowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	f.logger.Warn("Rejected feed connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Handler returns the feed's routes
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWebSocket)
	mux.HandleFunc("/health", f.handleHealth)
	return mux
}

// Start serves on addr until ctx is cancelled
func (f *Feed) Start(ctx context.Context, addr string) error {
	f.mu.Lock()
	f.srv = &http.Server{
		Addr:              addr,
		Handler:           f.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := f.srv
	f.mu.Unlock()

	f.logger.Info("Starting audit feed", "addr", addr)
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return f.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv == nil {
		return nil
	}
	f.logger.Info("Stopping audit feed")
	return f.srv.Shutdown(ctx)
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Rate and connection limits apply before the upgrade allocates anything.
	if !f.ipLimiter(remoteIP(r)).Allow() {
		feedRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case f.connSemaphore <- struct{}{}:
		feedActiveConnections.Inc()
		defer func() {
			<-f.connSemaphore
			feedActiveConnections.Dec()
		}()
	default:
		feedRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Feed upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String())
	f.hub.Register(client)
	f.logger.Info("Feed client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		f.readPump(conn, client)
	}()
	wg.Wait()

	f.hub.Unregister(client)
	conn.Close()
	f.logger.Info("Feed client disconnected", "client_id", client.id)
}

// writePump sends hub messages to the connection and keeps it alive
func (f *Feed) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	// unblocks readPump once writing is over
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				f.logger.Warn("Feed write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pongs and notices disconnects
func (f *Feed) readPump(conn *websocket.Conn, client *Client) {
	defer f.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Warn("Feed read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (f *Feed) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": f.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func (f *Feed) ipLimiter(ip string) *rate.Limiter {
	if val, ok := f.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := f.ipLimiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(f.cfg.ConnectRate), f.cfg.ConnectBurst))
	return actual.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
