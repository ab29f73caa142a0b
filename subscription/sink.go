// Sink, and its two transports, are an expansion beyond spec.md's bare
// "streaming handle": a transport-agnostic, non-blocking push target for
// QoS0 delivery, so the engine never knows whether it is feeding an HTTP
// chunked stream or a websocket connection.
package subscription

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bittoy/i3x/types"
)

// Sink is a non-blocking QoS0 delivery target. Send must never block the
// dispatcher; a sink with no room for more data drops it rather than
// stalling the caller (design §9 "must not block the dispatcher").
type Sink interface {
	Send(update Update)
	Close()
}

// HTTPStreamSink writes newline-delimited JSON arrays to an HTTP response
// writer (design §6 QoS0 stream framing), draining a small internal channel
// from its own goroutine so Send itself never blocks on the network.
type HTTPStreamSink struct {
	logger types.Logger
	ch     chan Update
	done   chan struct{}
	once   sync.Once
}

// NewHTTPStreamSink starts draining updates into w (flushed per message,
// exactly one JSON array of one element per line) until done is closed by
// the caller on client disconnect or subscription delete.
func NewHTTPStreamSink(logger types.Logger, w http.ResponseWriter, flusher http.Flusher) *HTTPStreamSink {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	s := &HTTPStreamSink{
		logger: logger,
		ch:     make(chan Update, 64),
		done:   make(chan struct{}),
	}
	go s.drain(w, flusher)
	return s
}

func (s *HTTPStreamSink) drain(w http.ResponseWriter, flusher http.Flusher) {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-s.done:
			return
		case update := <-s.ch:
			if err := enc.Encode([]Update{update}); err != nil {
				s.logger.Printf("subscription: stream write failed: %v", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Send enqueues update, dropping it if the internal buffer is full rather
// than blocking the dispatcher.
func (s *HTTPStreamSink) Send(update Update) {
	select {
	case s.ch <- update:
	default:
		s.logger.Printf("subscription: stream backpressure, dropping update for %s", update.ElementId)
	}
}

// Close stops the drain goroutine. Safe to call more than once.
func (s *HTTPStreamSink) Close() {
	s.once.Do(func() { close(s.done) })
}

// WebSocketSink delivers QoS0 updates over a github.com/gorilla/websocket
// connection, the alternate transport design §4.6 adds for clients that
// prefer a persistent socket over long-poll HTTP. Same non-blocking Send
// contract and drop policy as HTTPStreamSink.
type WebSocketSink struct {
	logger types.Logger
	conn   *websocket.Conn
	ch     chan Update
	done   chan struct{}
	once   sync.Once
}

// NewWebSocketSink starts draining updates into conn as JSON text messages.
func NewWebSocketSink(logger types.Logger, conn *websocket.Conn) *WebSocketSink {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	s := &WebSocketSink{
		logger: logger,
		conn:   conn,
		ch:     make(chan Update, 64),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *WebSocketSink) drain() {
	for {
		select {
		case <-s.done:
			return
		case update := <-s.ch:
			if err := s.conn.WriteJSON(update); err != nil {
				s.logger.Printf("subscription: websocket write failed: %v", err)
				return
			}
		}
	}
}

func (s *WebSocketSink) Send(update Update) {
	select {
	case s.ch <- update:
	default:
		s.logger.Printf("subscription: websocket backpressure, dropping update for %s", update.ElementId)
	}
}

func (s *WebSocketSink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
