package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kosuchat/kosu/internal/bus"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Adapter maintains the realtime websocket connection and bridges it to the
// bus: inbound frames become "rt.message" / "rt.typing" events, connectivity
// flips become "rt.connected" / "rt.disconnected". It never calls the sync
// engine directly; the engine subscribes to the bus independently.
type Adapter struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex // guards conn and write ordering
	conn      *websocket.Conn
	connected atomic.Bool

	startOnce sync.Once
	cancel    context.CancelFunc
}

// NewAdapter creates a transport adapter for the given socket URL.
func NewAdapter(socketURL, token string, b *bus.Bus, logger *zap.Logger) *Adapter {
	return &Adapter{
		url:    socketURL,
		token:  token,
		bus:    b,
		logger: logger,
	}
}

// Connect starts the connection loop. Idempotent: subsequent calls while the
// loop is running are no-ops. Reconnection with capped exponential backoff is
// handled internally until ctx is cancelled or Disconnect is called.
func (a *Adapter) Connect(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		go a.run(ctx)
	})
}

// Disconnect stops the connection loop and closes the socket.
func (a *Adapter) Disconnect() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.mu.Unlock()
}

// IsConnected reports current connectivity. Presentation gates the "Online"
// label and typing affordances on this; sends do not depend on it.
func (a *Adapter) IsConnected() bool {
	return a.connected.Load()
}

// EmitTyping sends a typingStatus event. Fire-and-forget: when the socket is
// down the event is dropped, which is the correct degradation for presence.
func (a *Adapter) EmitTyping(ev TypingStatusEvent) {
	if err := a.emit(EventTypingStatus, ev); err != nil {
		a.logger.Debug("typing emit dropped", zap.Error(err))
	}
}

func (a *Adapter) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || !a.connected.Load() {
		return fmt.Errorf("not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, frame)
}

// run dials, reads until failure, and redials with backoff.
func (a *Adapter) run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("socket dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		a.connected.Store(true)
		a.bus.Publish(bus.Event{Kind: "rt.connected", Timestamp: time.Now()})
		a.logger.Info("socket connected")

		a.readLoop(ctx, conn)

		a.connected.Store(false)
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		a.bus.Publish(bus.Event{Kind: "rt.disconnected", Timestamp: time.Now()})

		if ctx.Err() == nil {
			a.logger.Warn("socket disconnected, reconnecting")
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.url, header)
	return conn, err
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Debug("socket read error", zap.Error(err))
			}
			_ = conn.Close()
			return
		}

		event, payload, err := decodeEnvelope(raw)
		if err != nil {
			// Malformed frames are discarded, never fatal.
			a.logger.Warn("discarding malformed frame", zap.String("event", event), zap.Error(err))
			continue
		}

		switch event {
		case EventNewMessage:
			a.bus.Publish(bus.Event{Kind: "rt.message", Timestamp: time.Now(), Payload: payload})
		case EventTypingStatus:
			a.bus.Publish(bus.Event{Kind: "rt.typing", Timestamp: time.Now(), Payload: payload})
		}
	}
}
