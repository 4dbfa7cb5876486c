package main

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const readTimeout = 60 * time.Second

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outbound is a frame the simulated client wants to send.
type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// stats is shared by every simulated client.
type stats struct {
	active       int64
	created      int64
	failed       int64
	matched      int64
	offers       int64
	answers      int64
	skips        int64
	partnerGone  int64
	serverErrors int64
	received     int64
}

// client plays one browser: on a match the initiator sends an offer, the
// other side answers, and the initiator skips after dwell.
type client struct {
	n     int
	dwell time.Duration
	stats *stats

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	id      string
	partner string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(ctx context.Context, n int, dwell time.Duration, st *stats) *client {
	connCtx, cancel := context.WithCancel(ctx)
	return &client{n: n, dwell: dwell, stats: st, ctx: connCtx, cancel: cancel}
}

func (c *client) connect(url string, timeout time.Duration) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	ws, _, err := dialer.DialContext(c.ctx, url, nil)
	if err != nil {
		return err
	}
	c.ws = ws
	atomic.AddInt64(&c.stats.active, 1)

	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.readPump()
	go c.heartbeat()
	return nil
}

func (c *client) readPump() {
	defer c.close()

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		atomic.AddInt64(&c.stats.received, 1)

		for _, msg := range c.react(env) {
			if err := c.send(msg); err != nil {
				return
			}
		}
	}
}

// react updates local state for env and returns the replies to send.
func (c *client) react(env envelope) []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case "connected":
		var d struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(env.Data, &d)
		c.id = d.ID

	case "matched":
		var d struct {
			PartnerID string `json:"partnerId"`
			Initiator bool   `json:"initiator"`
		}
		_ = json.Unmarshal(env.Data, &d)
		c.partner = d.PartnerID
		atomic.AddInt64(&c.stats.matched, 1)
		if d.Initiator {
			atomic.AddInt64(&c.stats.offers, 1)
			return []outbound{{Type: "offer", Data: map[string]any{
				"offer": map[string]string{"type": "offer", "sdp": "v=0 loadtest"},
				"to":    d.PartnerID,
			}}}
		}

	case "offer":
		var d struct {
			From string `json:"from"`
		}
		_ = json.Unmarshal(env.Data, &d)
		c.partner = d.From
		atomic.AddInt64(&c.stats.answers, 1)
		return []outbound{{Type: "answer", Data: map[string]any{
			"answer": map[string]string{"type": "answer", "sdp": "v=0 loadtest"},
			"to":     d.From,
		}}}

	case "answer":
		partner := c.partner
		time.AfterFunc(c.dwell, func() { c.skip(partner) })

	case "skipped", "partner-disconnected":
		c.partner = ""
		atomic.AddInt64(&c.stats.partnerGone, 1)

	case "error":
		atomic.AddInt64(&c.stats.serverErrors, 1)
	}
	return nil
}

// skip ends the call if partner is still the current one.
func (c *client) skip(partner string) {
	c.mu.Lock()
	current := c.partner
	if current == partner {
		c.partner = ""
	}
	c.mu.Unlock()

	if current != partner || c.ctx.Err() != nil {
		return
	}
	if err := c.send(outbound{Type: "skip"}); err == nil {
		atomic.AddInt64(&c.stats.skips, 1)
	}
}

func (c *client) send(msg outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *client) heartbeat() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(outbound{Type: "ping"}); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			atomic.AddInt64(&c.stats.active, -1)
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = c.ws.Close()
		}
		c.cancel()
	})
}
