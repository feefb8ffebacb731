package gateway

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ravipangali7/DASHCAM/internal/mediabus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsFrameDepth = 64
	wsBackfill   = 8
)

// wsCommand is what clients send: subscribe/unsubscribe to pick a frame
// feed, streams for a fresh snapshot, ping for an application-level RTT
// check.
type wsCommand struct {
	Type    string `json:"type"`
	Device  string `json:"device_id,omitempty"`
	Channel *int   `json:"channel,omitempty"`
}

// wsFrame is one media frame pushed to the client. Data is base64 in
// the JSON encoding.
type wsFrame struct {
	Type     string    `json:"type"`
	Device   string    `json:"device_id"`
	Channel  uint8     `json:"channel"`
	Seq      uint64    `json:"seq"`
	DataType uint8     `json:"data_type"`
	Stored   bool      `json:"stored,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
	Time     time.Time `json:"time"`
	Data     []byte    `json:"data"`
}

type wsClient struct {
	ws *websocket.Conn

	// mu serializes writes; gorilla/websocket does not allow concurrent
	// writers on one connection.
	mu sync.Mutex

	subMu sync.Mutex
	sub   *mediabus.Subscription
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *wsClient) swapSub(sub *mediabus.Subscription) *mediabus.Subscription {
	c.subMu.Lock()
	old := c.sub
	c.sub = sub
	c.subMu.Unlock()
	return old
}

func (c *wsClient) unsubscribe() {
	if old := c.swapSub(nil); old != nil {
		old.Cancel()
	}
}

// serveWS upgrades to WebSocket and speaks the live-frame protocol: a
// streams snapshot on connect, then frame events once the client
// subscribes. Subscribing again replaces the previous feed.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: websocket upgrade: %v", err)
		return
	}
	defer ws.Close()

	g.addClient(1)
	defer g.addClient(-1)
	log.Printf("gateway: websocket client connected remote=%s", r.RemoteAddr)

	c := &wsClient{ws: ws}
	defer c.unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go c.heartbeat(done)

	if err := c.send(map[string]interface{}{"type": "streams", "streams": g.Bus.Streams()}); err != nil {
		return
	}

	for {
		var cmd wsCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: websocket read: %v", err)
			}
			return
		}
		switch cmd.Type {
		case "subscribe":
			channel := -1
			if cmd.Channel != nil {
				channel = *cmd.Channel
			}
			if err := g.subscribeClient(c, mediabus.Filter{Device: cmd.Device, Channel: channel}); err != nil {
				return
			}
		case "unsubscribe":
			c.unsubscribe()
		case "streams":
			if err := c.send(map[string]interface{}{"type": "streams", "streams": g.Bus.Streams()}); err != nil {
				return
			}
		case "ping":
			if err := c.send(map[string]interface{}{"type": "pong"}); err != nil {
				return
			}
		default:
			log.Printf("gateway: websocket command %q ignored", cmd.Type)
		}
	}
}

// subscribeClient swaps the client onto a new feed. The subscription is
// live before the ack goes out, so frames published right after the ack
// cannot be missed. When the filter names one concrete stream the
// retained tail follows the ack, giving a dashboard frames before the
// next live one arrives; tail and live feed may overlap, clients dedupe
// on seq.
func (g *Gateway) subscribeClient(c *wsClient, f mediabus.Filter) error {
	sub := g.Bus.Subscribe(f, wsFrameDepth)
	if old := c.swapSub(sub); old != nil {
		old.Cancel()
	}
	if err := c.send(map[string]interface{}{
		"type":      "subscribed",
		"device_id": f.Device,
		"channel":   f.Channel,
	}); err != nil {
		return err
	}
	if f.Device != "" && f.Channel >= 0 {
		for _, ev := range g.Bus.Recent(f.Device, uint8(f.Channel), wsBackfill) {
			if err := c.send(frameMsg(ev)); err != nil {
				return err
			}
		}
	}
	go c.pumpFrames(sub)
	return nil
}

// pumpFrames forwards bus events until the subscription is cancelled or
// a write fails. A failed write also closes the socket so the read loop
// unblocks.
func (c *wsClient) pumpFrames(sub *mediabus.Subscription) {
	for ev := range sub.C {
		if err := c.send(frameMsg(ev)); err != nil {
			sub.Cancel()
			c.ws.Close()
			return
		}
	}
}

func (c *wsClient) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func frameMsg(ev mediabus.Event) wsFrame {
	return wsFrame{
		Type:     "frame",
		Device:   ev.Device,
		Channel:  ev.Channel,
		Seq:      ev.Seq,
		DataType: ev.DataType,
		Stored:   ev.Stored,
		Degraded: ev.Degraded,
		Time:     ev.Time,
		Data:     ev.Payload,
	}
}
