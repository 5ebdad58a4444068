package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one browser socket. Reads happen on the goroutine calling Run;
// writes are serialised through a buffered queue drained by writePump.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce  sync.Once
	closeCode  int
	closeText  string
	maxMessage int64
	logger     *zap.Logger
}

func NewClient(conn *websocket.Conn, sendBuffer int, maxMessage int64, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
		maxMessage: maxMessage,
		logger:     logger.With(zap.String("conn_id", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues payload without blocking. A full queue means the peer is not
// reading fast enough; the client is closed and ErrSendBufferFull returned.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("send buffer full, closing client")
		c.CloseWith(websocket.ClosePolicyViolation, "too slow")
		return ErrSendBufferFull
	}
}

func (c *Client) Close() { c.CloseWith(websocket.CloseNormalClosure, "") }

// CloseWith records the close frame to send and stops the client. Only the
// first call has any effect.
func (c *Client) CloseWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Run pumps the socket until either side closes. onMessage is invoked
// sequentially for every inbound frame; onClose runs exactly once after
// both pumps have stopped.
func (c *Client) Run(onMessage func([]byte), onClose func()) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(onMessage)
	c.Close()
	<-writerDone
	onClose()
}

func (c *Client) readPump(onMessage func([]byte)) {
	if c.maxMessage > 0 {
		c.conn.SetReadLimit(c.maxMessage)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		onMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes whatever is still queued, then the close frame, all under a
// single deadline so a stalled peer cannot hold the writer.
func (c *Client) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			frame := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			c.conn.WriteMessage(websocket.CloseMessage, frame)
			return
		}
	}
}
