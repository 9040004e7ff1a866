package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

// Local-only pseudo events injected into the subscriber stream so consumers
// can react to transport lifecycle without a second callback surface.
const (
	transportEventDown        = "_transport:down"
	transportEventReconnected = "_transport:reconnected"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Transport is the single shared signaling connection of a client process.
// It is constructed explicitly and injected into every consumer; its
// lifecycle is owned by process startup/shutdown.
type Transport struct {
	log    zerolog.Logger
	url    string
	token  string
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	cancel    context.CancelFunc
	subs      map[int]chan signal.Envelope
	nextSub   int
}

func NewTransport(log zerolog.Logger, url, token string) *Transport {
	return &Transport{
		log:    log.With().Str("module", "client.transport").Logger(),
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		subs:   make(map[int]chan signal.Envelope),
	}
}

// Connect dials the server and starts the read loop. Later disconnects are
// retried with capped exponential backoff; only the initial dial surfaces an
// error to the caller.
func (t *Transport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(ctx)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err == nil {
			var env signal.Envelope
			if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
				t.log.Warn().Err(jsonErr).Msg("bad envelope")
				continue
			}
			t.publish(env)
			continue
		}

		t.mu.Lock()
		closed := t.closed
		t.connected = false
		t.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		t.log.Warn().Err(err).Msg("signaling connection lost, reconnecting")
		t.publish(signal.Envelope{Event: transportEventDown})
		if !t.reconnect(ctx) {
			return
		}
		t.publish(signal.Envelope{Event: transportEventReconnected})
	}
}

func (t *Transport) reconnect(ctx context.Context) bool {
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))):
		}
		conn, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				conn.Close()
				return false
			}
			t.conn = conn
			t.connected = true
			t.mu.Unlock()
			t.log.Info().Msg("signaling reconnected")
			return true
		}
		t.log.Warn().Err(err).Dur("backoff", backoff).Msg("reconnect failed")
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// Send marshals payload under event and writes it to the socket.
func (t *Transport) Send(event string, payload any) error {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn, ok := t.conn, t.connected
	t.mu.Unlock()
	if !ok || conn == nil {
		return domain.ErrSignalingLost
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(env)
}

// Subscribe registers a consumer for every inbound envelope. The returned
// func unsubscribes; dispose it or the channel leaks. Slow consumers lose
// messages rather than blocking the read loop.
func (t *Transport) Subscribe(buffer int) (<-chan signal.Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan signal.Envelope, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		t.mu.Unlock()
	}
}

func (t *Transport) publish(env signal.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- env:
		default:
			t.log.Warn().Str("event", env.Event).Msg("subscriber full, envelope dropped")
		}
	}
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.connected = false
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()
}
