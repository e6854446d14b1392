package replication

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/downfa11-org/mmq/util"
)

// messageOverhead covers the type byte and msgpack field names and headers
// around a Record payload.
const messageOverhead = 256

// maxMessageSize is the largest message a session accepts: enough for a
// Record holding the biggest frame a segment of segmentSize can store.
func maxMessageSize(segmentSize uint64) uint64 {
	limit := max(util.MaxFrameSize, segmentSize+messageOverhead)
	return min(limit, math.MaxUint32)
}

// conn serializes writes from the sender, heartbeat and ack paths of one session.
type conn struct {
	net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
	maxMessage   uint64
}

func newConn(c net.Conn, writeTimeout, readTimeout time.Duration, maxMessage uint64) *conn {
	return &conn{Conn: c, writeTimeout: writeTimeout, readTimeout: readTimeout, maxMessage: maxMessage}
}

func (c *conn) send(m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := util.WriteWithLimit(c.Conn, body, c.maxMessage); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Type(), c.RemoteAddr(), err)
	}
	return nil
}

// receive waits at most readTimeout for the next message; silence longer
// than that ends the session.
func (c *conn) receive() (Message, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, err
	}
	body, err := util.ReadWithLimit(c.Conn, c.maxMessage)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", c.RemoteAddr(), err)
	}
	return Decode(body)
}
