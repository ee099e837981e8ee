package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNotConnected is returned by outbound push calls while the socket is down.
var ErrNotConnected = errors.New("push channel not connected")

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Push maintains the websocket push channel: it decodes inbound frames onto
// the bus and carries the fire-and-forget outbound signals (read receipts,
// typing). Message sends go through the REST client, not the socket.
type Push struct {
	url     string
	token   string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewPush creates a push channel client. Start must be called to connect.
func NewPush(url, token string, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Push {
	return &Push{
		url:     url,
		token:   token,
		bus:     b,
		machine: m,
		logger:  logger,
	}
}

// Start runs the connect/read/reconnect loop until Stop or ctx cancellation.
func (p *Push) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop tears down the connection and stops reconnecting.
func (p *Push) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "shutting down")
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *Push) loop(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("push dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectBase

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		p.logger.Info("push channel connected", zap.String("url", p.url))
		p.bus.Publish(bus.Now(bus.KindSyncConnected, nil))

		err = p.readLoop(ctx, conn)
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("push channel lost", zap.Error(err))
		p.bus.Publish(bus.Now(bus.KindSyncDisconnected, nil))
		if p.machine != nil {
			_ = p.machine.Transition(status.Reconnecting)
		}
	}
}

func (p *Push) dial(ctx context.Context) (*websocket.Conn, error) {
	if p.machine != nil && p.machine.Current() == status.Reconnecting {
		_ = p.machine.Transition(status.Connecting)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + p.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (p *Push) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		evt, ok, err := decodeFrame(f)
		if err != nil {
			// A malformed payload is the server's problem, not a reason to drop
			// the connection.
			p.logger.Warn("bad push frame", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		if !ok {
			p.logger.Debug("unknown push event", zap.String("event", f.Event))
			continue
		}
		p.bus.Publish(evt)
	}
}

// MarkMessageRead tells the server a single message was read.
func (p *Push) MarkMessageRead(ctx context.Context, messageID string) error {
	return p.emit(ctx, evMarkMessageRead, StatusDTO{MessageID: messageID})
}

// MarkConversationRead tells the server every message in the conversation was
// read.
func (p *Push) MarkConversationRead(ctx context.Context, conversationID string) error {
	return p.emit(ctx, evMarkConversationRead, ConversationReadDTO{ConversationID: conversationID})
}

// SendTyping signals typing started or stopped in a conversation. Throttling
// is the caller's job.
func (p *Push) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return p.emit(ctx, evTypingIndicator, map[string]any{
		"conversationId": conversationID,
		"typing":         typing,
	})
}

func (p *Push) emit(ctx context.Context, event string, data any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return wsjson.Write(ctx, conn, Frame{Event: event, Data: raw})
}
