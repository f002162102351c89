// Package wsclient joins relay rooms over the websocket wire protocol.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// Dialer opens channels against one relay URL.
type Dialer struct {
	URL    string
	Header http.Header
}

var _ core.Dialer = (*Dialer)(nil)

func NewDialer(url string) *Dialer {
	return &Dialer{URL: url}
}

func (d *Dialer) Dial(_ context.Context, self domain.ParticipantID, name domain.ChannelName) (core.SignalingChannel, error) {
	return New(d.URL, d.Header, self, name), nil
}

// Channel is one participant in one relay room.
type Channel struct {
	url    string
	header http.Header
	self   domain.ParticipantID
	room   domain.ChannelName
	log    zerolog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	send    chan core.Frame
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    <-chan struct{}
	members []domain.ParticipantID

	subMu sync.RWMutex
	next  int
	subs  map[int]func(core.Inbound)
}

var _ core.SignalingChannel = (*Channel)(nil)

func New(url string, header http.Header, self domain.ParticipantID, room domain.ChannelName) *Channel {
	return &Channel{
		url:    url,
		header: header,
		self:   self,
		room:   room,
		log:    log.With().Str("module", "wsclient").Str("self", self.String()).Str("room", room.String()).Logger(),
		subs:   make(map[int]func(core.Inbound)),
	}
}

// Members returns the ids the relay reported when the room was joined.
func (c *Channel) Members() []domain.ParticipantID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.members)
}

// Connect dials the relay, creates the room if needed and joins it.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	if _, err := roundTrip(conn, core.RelayMessage{Type: core.RelayCreate, Room: c.room}, core.RelayCreated); err != nil {
		_ = conn.Close()
		return err
	}
	joined, err := roundTrip(conn, core.RelayMessage{Type: core.RelayJoin, Room: c.room, ID: c.self}, core.RelayJoined)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.conn = conn
	c.send = make(chan core.Frame, sendBuffer)
	c.cancel = cancel
	c.group = g
	c.done = gctx.Done()
	c.members = joined.Members

	send := c.send
	g.Go(func() error { return c.writePump(gctx, conn, send) })
	g.Go(func() error { return c.readPump(conn) })
	// unblocks the reader once the writer gives up
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	c.log.Info().Int("members", len(joined.Members)).Msg("joined room")
	return nil
}

// roundTrip writes req and waits for a frame of type want. An error frame
// fails the exchange.
func roundTrip(conn *websocket.Conn, req core.RelayMessage, want string) (core.RelayMessage, error) {
	if err := conn.WriteJSON(req); err != nil {
		return core.RelayMessage{}, fmt.Errorf("%s: %w", req.Type, err)
	}
	for {
		var resp core.RelayMessage
		if err := conn.ReadJSON(&resp); err != nil {
			return core.RelayMessage{}, fmt.Errorf("%s: %w", req.Type, err)
		}
		switch resp.Type {
		case want:
			return resp, nil
		case core.RelayError:
			return core.RelayMessage{}, fmt.Errorf("%s: relay error: %s", req.Type, resp.Error)
		}
	}
}

// Disconnect leaves the room and closes the socket. Frames already queued
// are written first.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	if raw, err := (core.RelayMessage{Type: core.RelayLeave}).Encode(); err == nil {
		select {
		case c.send <- raw:
		default:
		}
	}
	close(c.send)
	cancel, g := c.cancel, c.group
	c.conn, c.cancel, c.group, c.send, c.done = nil, nil, nil, nil, nil
	c.mu.Unlock()

	// the relay answers the close frame; give up waiting after writeWait
	t := time.AfterFunc(writeWait, cancel)
	defer t.Stop()
	if err := g.Wait(); err != nil {
		c.log.Debug().Err(err).Msg("pumps stopped")
	}
	cancel()
	c.log.Info().Msg("left room")
	return nil
}

func (c *Channel) Send(env core.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	frame, err := core.RelayMessage{
		Type:      core.RelaySignal,
		Room:      c.room,
		IncludeMe: env.IncludeMe,
		Payload:   payload,
	}.Encode()
	if err != nil {
		return err
	}

	// held for the whole send so Disconnect cannot close the queue under us
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.send == nil {
		return domain.ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return domain.ErrNotConnected
	}
}

func (c *Channel) Subscribe(fn func(core.Inbound)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.next++
	id := c.next
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan core.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-send:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("write")
				return err
			}
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) error {
	for {
		var msg core.RelayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				c.log.Warn().Err(err).Msg("bad frame")
				continue
			}
			return err
		}
		c.handle(msg)
	}
}

func (c *Channel) handle(msg core.RelayMessage) {
	switch msg.Type {
	case core.RelaySignal:
		var env core.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			c.log.Warn().Err(err).Msg("bad envelope")
			return
		}
		c.deliver(core.Inbound{Kind: core.InboundEnvelope, Envelope: env})
	case core.RelayEnter:
		c.deliver(core.Inbound{Kind: core.InboundEnter, Peer: msg.ID})
	case core.RelayLeave:
		c.deliver(core.Inbound{Kind: core.InboundLeave, Peer: msg.ID})
	case core.RelayError:
		c.log.Warn().Str("error", msg.Error).Msg("relay error")
	case core.RelayPong, core.RelayCreated, core.RelayJoined:
	default:
		c.log.Debug().Str("type", msg.Type).Msg("frame ignored")
	}
}

func (c *Channel) deliver(in core.Inbound) {
	c.subMu.RLock()
	ids := lo.Keys(c.subs)
	c.subMu.RUnlock()
	slices.Sort(ids)
	for _, id := range ids {
		c.subMu.RLock()
		fn, ok := c.subs[id]
		c.subMu.RUnlock()
		if ok {
			fn(in)
		}
	}
}
