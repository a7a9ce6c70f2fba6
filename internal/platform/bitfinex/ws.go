package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait bounds silence on the socket. Bitfinex sends a heartbeat on
	// every channel every 15 seconds.
	readWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than readWait.
	pingPeriod = (readWait * 9) / 10
)

// StatusHandler is called for every derivatives status update.
type StatusHandler func(DerivStatus)

// wsEvent is the JSON object form of info, subscribed and error messages.
type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Key     string `json:"key"`
	Code    int64  `json:"code"`
	Msg     string `json:"msg"`
}

// WSClient is a websocket client for the public Bitfinex status channel.
type WSClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[int64]string // chanId -> symbol

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to the public websocket endpoint, e.g.
// "wss://api-pub.bitfinex.com/ws/2".
func DialWS(ctx context.Context, wsURL string) (*WSClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bitfinex/ws: connect: %w", err)
	}

	w := &WSClient{
		conn:     conn,
		channels: make(map[int64]string),
		done:     make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	return w, nil
}

// SubscribeStatus subscribes to the derivatives status of symbol.
func (w *WSClient) SubscribeStatus(symbol string) error {
	return w.writeJSON(map[string]string{
		"event":   "subscribe",
		"channel": "status",
		"key":     "deriv:" + symbol,
	})
}

// Run reads messages and invokes handler for each status update until ctx is
// cancelled, the client is closed, or the connection fails.
func (w *WSClient) Run(ctx context.Context, handler StatusHandler) error {
	go w.pingLoop()

	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			default:
			}
			return fmt.Errorf("bitfinex/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		w.conn.SetReadDeadline(time.Now().Add(readWait))

		if err := w.handleMessage(message, handler); err != nil {
			return err
		}
	}
}

// Close shuts down the connection. It is safe to call more than once.
func (w *WSClient) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WSClient) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bitfinex/ws: marshal: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("bitfinex/ws: write: %w", err)
	}
	return nil
}

// pingLoop sends periodic ping messages to keep the websocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage routes one frame. Event objects update the channel map;
// arrays carry channel data or heartbeats.
func (w *WSClient) handleMessage(raw []byte, handler StatusHandler) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var ev wsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil
		}
		switch ev.Event {
		case "subscribed":
			if ev.Channel == "status" {
				w.mu.Lock()
				w.channels[ev.ChanID] = strings.TrimPrefix(ev.Key, "deriv:")
				w.mu.Unlock()
			}
		case "error":
			return fmt.Errorf("bitfinex/ws: server error %d: %s", ev.Code, ev.Msg)
		}
		return nil
	}

	arr, err := decodeArray(raw)
	if err != nil || len(arr) < 2 {
		return nil
	}
	chanNum, ok := arr[0].(json.Number)
	if !ok {
		return nil
	}
	chanID, err := chanNum.Int64()
	if err != nil {
		return nil
	}

	w.mu.Lock()
	symbol, known := w.channels[chanID]
	w.mu.Unlock()
	if !known {
		return nil
	}

	row, ok := arr[1].([]any)
	if !ok {
		// "hb" heartbeat
		return nil
	}
	status, err := parseStatusRow(symbol, row, -1)
	if err != nil {
		return nil
	}
	if handler != nil {
		handler(status)
	}
	return nil
}
