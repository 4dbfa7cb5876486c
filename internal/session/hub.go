package session

import (
	"context"
	"errors"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"odin-roulette-server/internal/config"
	"odin-roulette-server/internal/matching"
	"odin-roulette-server/internal/metrics"
	"odin-roulette-server/internal/protocol"
)

const shardCount = 64

// ErrHubFull is returned by Register once max_connections is reached.
var ErrHubFull = errors.New("session: connection limit reached")

// Connection is one accepted WebSocket. SendQueue is drained by the
// transport write loop and closed on Unregister.
type Connection struct {
	ID         string
	Conn       net.Conn
	RemoteAddr string
	SendQueue  chan []byte

	mu     sync.RWMutex
	closed bool
}

// enqueue never blocks. It reports false when the queue is full or closed.
func (c *Connection) enqueue(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.SendQueue <- payload:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.SendQueue)
}

type shard struct {
	clients sync.Map // map[string]*Connection
	count   int32
}

// Hub tracks live connections by id and delivers encoded messages to their
// send queues. It implements matching.Sender.
type Hub struct {
	cfg     config.WebSocketConfig
	shards  []shard
	total   int64
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewHub(cfg config.WebSocketConfig, metricsRegistry *metrics.Registry, logger *zap.Logger) *Hub {
	if cfg.SendChannelSize <= 0 {
		cfg.SendChannelSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:     cfg,
		shards:  make([]shard, shardCount),
		metrics: metricsRegistry,
		logger:  logger,
	}
}

// Register assigns a fresh id to conn and starts tracking it.
func (h *Hub) Register(conn net.Conn) (*Connection, error) {
	if limit := h.cfg.MaxConnections; limit > 0 {
		if atomic.AddInt64(&h.total, 1) > int64(limit) {
			atomic.AddInt64(&h.total, -1)
			return nil, ErrHubFull
		}
	} else {
		atomic.AddInt64(&h.total, 1)
	}

	c := &Connection{
		ID:        uuid.NewString(),
		Conn:      conn,
		SendQueue: make(chan []byte, h.cfg.SendChannelSize),
	}
	if conn != nil && conn.RemoteAddr() != nil {
		c.RemoteAddr = conn.RemoteAddr().String()
	}

	s := h.pickShard(c.ID)
	s.clients.Store(c.ID, c)
	atomic.AddInt32(&s.count, 1)
	if h.metrics != nil {
		h.metrics.Connections.ActiveConnections.Inc()
	}
	return c, nil
}

// Unregister stops tracking c and closes its send queue. Safe to call twice.
func (h *Hub) Unregister(c *Connection) {
	if c == nil {
		return
	}
	s := h.pickShard(c.ID)
	if _, ok := s.clients.LoadAndDelete(c.ID); ok {
		atomic.AddInt32(&s.count, -1)
		atomic.AddInt64(&h.total, -1)
		if h.metrics != nil {
			h.metrics.Connections.ActiveConnections.Dec()
		}
		c.close()
	}
}

// Lookup returns the live connection with id.
func (h *Hub) Lookup(id string) (*Connection, bool) {
	v, ok := h.pickShard(id).clients.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Send encodes msg and queues it for connID without blocking. A full queue
// drops the message.
func (h *Hub) Send(connID string, msg matching.Message) bool {
	c, ok := h.Lookup(connID)
	if !ok {
		return false
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode outbound message", zap.String("conn_id", connID), zap.Error(err))
		return false
	}
	if !c.enqueue(payload) {
		if h.metrics != nil {
			h.metrics.Messages.OutboundDropped.Inc()
		}
		h.logger.Debug("send queue full, message dropped",
			zap.String("conn_id", connID), zap.String("type", msg.MessageType()))
		return false
	}
	return true
}

// ClientCount returns the total number of tracked connections.
func (h *Hub) ClientCount() int {
	var total int32
	for idx := range h.shards {
		total += atomic.LoadInt32(&h.shards[idx].count)
	}
	return int(total)
}

func (h *Hub) pickShard(id string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return &h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// Shutdown unregisters every connection, which ends their write loops.
func (h *Hub) Shutdown(ctx context.Context) {
	for idx := range h.shards {
		h.shards[idx].clients.Range(func(_, value any) bool {
			h.Unregister(value.(*Connection))
			return ctx.Err() == nil
		})
	}
}
