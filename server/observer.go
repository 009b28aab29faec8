package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

const (
	writeTimeout = 5 * time.Second
	sendQueueLen = 64
)

var (
	ErrObserverClosed = errors.New("observer closed")
	ErrSendQueueFull  = errors.New("observer send queue full")
)

// Observer is one connected WebSocket client. Outbound messages are queued
// and written by the observer's own goroutine, so Send never blocks.
type Observer struct {
	ID     string
	Remote string

	conn      *websocket.Conn
	logger    *log.Logger
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newObserver(conn *websocket.Conn, remote string, logger *log.Logger) *Observer {
	o := &Observer{
		ID:     uuid.NewString(),
		Remote: remote,
		conn:   conn,
		logger: logger,
		send:   make(chan any, sendQueueLen),
		done:   make(chan struct{}),
	}
	go o.writeLoop()
	return o
}

func (o *Observer) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case v := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := o.conn.WriteJSON(v); err != nil {
				o.logger.Printf("WebSocket write error for %s: %v", o.ID, err)
				o.Close()
				return
			}
		}
	}
}

// Send queues one JSON message. It fails when the observer is closed or
// has fallen sendQueueLen messages behind.
func (o *Observer) Send(v any) error {
	select {
	case <-o.done:
		return ErrObserverClosed
	default:
	}

	select {
	case o.send <- v:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendMessage writes a typed envelope.
func (o *Observer) SendMessage(msgType string, payload any) error {
	return o.Send(protocol.WebSocketMessage{Type: msgType, Payload: payload})
}

// SendResponse replies to a request.
func (o *Observer) SendResponse(requestID, respType string, payload any) {
	err := o.Send(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    respType,
		Success: true,
		Payload: payload,
	})
	if err != nil {
		o.logger.Printf("Failed to send %s to %s: %v", respType, o.ID, err)
	}
}

// SendError sends a structured error response.
func (o *Observer) SendError(requestID, code, message string) {
	err := o.Send(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Code:    code,
	})
	if err != nil {
		o.logger.Printf("Failed to send error response to %s: %v", o.ID, err)
	}
}

// Close stops the writer and closes the connection. Queued messages are
// discarded.
func (o *Observer) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		if o.conn != nil {
			err = o.conn.Close()
		}
	})
	return err
}

// ObserverSet tracks connected observers and broadcasts to them.
type ObserverSet struct {
	observers map[string]*Observer
	mu        sync.RWMutex
	logger    *log.Logger
}

// NewObserverSet creates an empty set.
func NewObserverSet(logger *log.Logger) *ObserverSet {
	return &ObserverSet{
		observers: make(map[string]*Observer),
		logger:    logger,
	}
}

// Register adds an observer.
func (s *ObserverSet) Register(o *Observer) {
	s.mu.Lock()
	s.observers[o.ID] = o
	n := len(s.observers)
	s.mu.Unlock()
	metrics.Observers.Set(float64(n))
}

// Unregister removes an observer.
func (s *ObserverSet) Unregister(o *Observer) {
	s.mu.Lock()
	delete(s.observers, o.ID)
	n := len(s.observers)
	s.mu.Unlock()
	metrics.Observers.Set(float64(n))
}

// Count returns the number of observers.
func (s *ObserverSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

// CloseAll closes every observer connection.
func (s *ObserverSet) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range s.observers {
		o.Close()
		delete(s.observers, id)
	}
	metrics.Observers.Set(0)
}

// Broadcast queues a message for every observer. Observers that are closed
// or too far behind are closed and dropped.
func (s *ObserverSet) Broadcast(msgType string, payload any) {
	s.mu.RLock()
	targets := make([]*Observer, 0, len(s.observers))
	for _, o := range s.observers {
		targets = append(targets, o)
	}
	s.mu.RUnlock()

	for _, o := range targets {
		if err := o.SendMessage(msgType, payload); err != nil {
			s.logger.Printf("Dropping observer %s: %v", o.ID, err)
			o.Close()
			s.Unregister(o)
		}
	}
}
