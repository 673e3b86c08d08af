package http

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"parking-monitor/internal/domain/violation"
)

const (
	peerQueueSize    = 64
	peerWriteTimeout = 10 * time.Second
)

type hubPeer struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (p *hubPeer) stop() bool {
	stopped := false
	p.once.Do(func() {
		close(p.done)
		stopped = true
	})
	return stopped
}

// Hub holds the dashboards connected to the violations channel. Each peer
// has its own send queue drained by a writer goroutine; a peer whose queue
// is full or whose write fails is dropped.
type Hub struct {
	mu           sync.Mutex
	peers        map[string]*hubPeer
	queueSize    int
	writeTimeout time.Duration
	log          zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		peers:        make(map[string]*hubPeer),
		queueSize:    peerQueueSize,
		writeTimeout: peerWriteTimeout,
		log:          log,
	}
}

func (h *Hub) Serve(c *gin.Context) {
	websocket.Handler(h.handleConn).ServeHTTP(c.Writer, c.Request)
}

func (h *Hub) handleConn(conn *websocket.Conn) {
	peer := &hubPeer{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.add(peer)
	defer h.remove(peer.id)
	go h.writeLoop(peer)

	// Inbound frames carry nothing; reading only detects the disconnect.
	for {
		var discard []byte
		if err := websocket.Message.Receive(conn, &discard); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on the connection and closes it on exit.
func (h *Hub) writeLoop(p *hubPeer) {
	defer p.conn.Close()
	for {
		select {
		case <-p.done:
			return
		case payload := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := websocket.Message.Send(p.conn, string(payload)); err != nil {
				h.log.Warn().Err(err).Str("peer_id", p.id).Msg("dropping dashboard after failed send")
				h.remove(p.id)
				return
			}
		}
	}
}

func (h *Hub) add(p *hubPeer) {
	h.mu.Lock()
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()

	h.log.Info().Str("peer_id", p.id).Int("peers", n).Msg("dashboard connected")
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	delete(h.peers, id)
	n := len(h.peers)
	h.mu.Unlock()

	if !ok || !p.stop() {
		return
	}
	h.log.Info().Str("peer_id", id).Int("peers", n).Msg("dashboard disconnected")
}

// Broadcast queues msg for every peer and returns without waiting for the
// network.
func (h *Hub) Broadcast(msg violation.PushMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("failed to encode push message")
		return
	}

	h.mu.Lock()
	peers := make([]*hubPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		select {
		case p.out <- payload:
		default:
			h.log.Warn().Str("peer_id", p.id).Int("queued", len(p.out)).Msg("dropping slow dashboard")
			h.remove(p.id)
		}
	}
	h.log.Debug().Str("type", msg.Type).Int("peers", len(peers)).Msg("push message queued")
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
}
