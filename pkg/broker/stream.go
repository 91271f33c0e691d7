package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// QuoteHandler is invoked once per quote on the stream reader goroutine.
// Handlers must not block.
type QuoteHandler func(Quote)

// Stream maintains the persistent hub connection for live quotes. One
// connection is multiplexed across all subscribed symbols; on drop it
// reconnects with exponential backoff and resubscribes everything.
type Stream struct {
	url    string
	dialer *websocket.Dialer
	token  func(ctx context.Context) (string, error)

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]QuoteHandler
	onDown func()

	logger zerolog.Logger
}

// NewStream builds the quote stream client. tokenFn supplies the session
// token for the connection handshake.
func NewStream(url string, tokenFn func(ctx context.Context) (string, error), logger zerolog.Logger) *Stream {
	return &Stream{
		url:    url,
		dialer: websocket.DefaultDialer,
		token:  tokenFn,
		subs:   make(map[string]QuoteHandler),
		logger: logger.With().Str("component", "quote_stream").Logger(),
	}
}

// OnDisconnect registers a callback fired when the connection drops.
func (s *Stream) OnDisconnect(fn func()) {
	s.mu.Lock()
	s.onDown = fn
	s.mu.Unlock()
}

// Start runs the connect/read/reconnect loop until ctx is cancelled.
func (s *Stream) Start(ctx context.Context) {
	go func() {
		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := s.connect(ctx); err != nil {
				s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("hub connect failed")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second

			s.readLoop(ctx)

			s.mu.Lock()
			down := s.onDown
			s.mu.Unlock()
			if down != nil {
				down()
			}
		}
	}()
}

func (s *Stream) connect(ctx context.Context) error {
	header := http.Header{}
	if s.token != nil {
		token, err := s.token(ctx)
		if err != nil {
			return fmt.Errorf("stream token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	symbols := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	// Resubscribe everything the previous connection carried.
	for _, sym := range symbols {
		if err := s.sendSubscribe(sym); err != nil {
			_ = conn.Close()
			return fmt.Errorf("resubscribe %s: %w", sym, err)
		}
	}
	s.logger.Info().Int("symbols", len(symbols)).Msg("hub connected")
	return nil
}

type wireQuote struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

func (s *Stream) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("hub read error")
			}
			return
		}

		var q wireQuote
		if err := json.Unmarshal(msg, &q); err != nil {
			s.logger.Debug().Err(err).Msg("unparsable hub frame")
			continue
		}
		if q.Type != "quote" || q.Symbol == "" {
			continue
		}

		s.mu.Lock()
		handler := s.subs[q.Symbol]
		s.mu.Unlock()
		if handler != nil {
			handler(Quote{
				Symbol:    q.Symbol,
				Price:     q.Price,
				Size:      q.Volume,
				Timestamp: time.UnixMilli(q.Timestamp).UTC(),
			})
		}
	}
}

// Quote is one tick from the hub.
type Quote struct {
	Symbol    string
	Price     float64
	Size      float64
	Timestamp time.Time
}

// Subscribe registers a handler and asks the hub for the symbol's quotes.
func (s *Stream) Subscribe(symbol string, h QuoteHandler) error {
	s.mu.Lock()
	s.subs[symbol] = h
	connected := s.conn != nil
	s.mu.Unlock()

	if connected {
		return s.sendSubscribe(symbol)
	}
	return nil // sent on connect
}

// Unsubscribe stops quotes for a symbol.
func (s *Stream) Unsubscribe(symbol string) error {
	s.mu.Lock()
	delete(s.subs, symbol)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeJSON(map[string]string{"action": "unsubscribe", "symbol": symbol})
}

func (s *Stream) sendSubscribe(symbol string) error {
	return s.writeJSON(map[string]string{"action": "subscribe", "symbol": symbol})
}

func (s *Stream) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("hub not connected")
	}
	return s.conn.WriteJSON(v)
}
