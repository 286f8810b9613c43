package render

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/moodlens/internal/detector"
	"github.com/ayusman/moodlens/internal/track"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI only
	},
}

// Message is the websocket payload for one render call.
type Message struct {
	Type        string                `json:"type"`
	Box         *detector.BoundingBox `json:"box,omitempty"`
	Landmarks   []detector.Point      `json:"landmarks,omitempty"`
	Expressions detector.Expressions  `json:"expressions,omitempty"`
	Mood        *Mood                 `json:"mood,omitempty"`
	Status      string                `json:"status,omitempty"`
	Display     *track.Size           `json:"display,omitempty"`
	Timestamp   int64                 `json:"timestamp"`
}

// Broadcaster pushes clear and draw messages to websocket clients. New
// clients receive the last drawn overlay on connect.
type Broadcaster struct {
	log     logrus.FieldLogger
	clients map[*websocket.Conn]bool
	last    []byte
	mu      sync.Mutex
}

// NewBroadcaster creates a Broadcaster with no clients.
func NewBroadcaster(log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		log:     log.WithField("component", "broadcaster"),
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	b.mu.Lock()
	b.clients[conn] = true
	if b.last != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b.last); err != nil {
			delete(b.clients, conn)
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Clear tells clients to erase the overlay.
func (b *Broadcaster) Clear(ctx context.Context) error {
	msg, err := json.Marshal(Message{Type: "clear", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = nil
	b.send(msg)
	return nil
}

// Draw sends the overlay to clients.
func (b *Broadcaster) Draw(ctx context.Context, o Overlay) error {
	msg, err := json.Marshal(messageFor(o))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = msg
	b.send(msg)
	return nil
}

// send writes msg to every client, dropping the ones that fail. Caller holds mu.
func (b *Broadcaster) send(msg []byte) {
	for conn := range b.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.log.WithError(err).Debug("dropping websocket client")
			delete(b.clients, conn)
			conn.Close()
		}
	}
}

func messageFor(o Overlay) Message {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	mood := o.Mood
	display := o.Display
	return Message{
		Type:        "draw",
		Box:         o.Detection.Box,
		Landmarks:   o.Detection.Landmarks,
		Expressions: o.Detection.Expressions,
		Mood:        &mood,
		Status:      mood.Text() + " " + mood.Emoji,
		Display:     &display,
		Timestamp:   at.UnixMilli(),
	}
}
