package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// defaultMaxMessageSize bounds the length prefix read off the wire, so a
// corrupt or hostile peer cannot make NetConn allocate an unbounded buffer.
const defaultMaxMessageSize = 64 << 20

// NetConnOption configures a NetConn at construction.
type NetConnOption func(*NetConn)

// WithOutboundRateLimit throttles Send to at most limit messages per second
// with the given burst, the concrete form of a transport's optional drain
// signal: a slow consumer backs up the limiter rather than the peer's
// buffers. No limit is applied by default.
func WithOutboundRateLimit(limit rate.Limit, burst int) NetConnOption {
	return func(c *NetConn) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithMaxMessageSize overrides defaultMaxMessageSize.
func WithMaxMessageSize(n uint32) NetConnOption {
	return func(c *NetConn) { c.maxMessageSize = n }
}

// NetConn adapts a net.Conn into a Transport by prefixing each message with
// a 4-byte big-endian length, the usual way to recover message boundaries
// from a byte stream.
type NetConn struct {
	conn           net.Conn
	reader         *bufio.Reader
	maxMessageSize uint32
	limiter        *rate.Limiter

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewNetConn wraps conn. The caller remains responsible for conn's
// lifecycle beyond Close, e.g. TLS handshake or deadlines set before
// wrapping.
func NewNetConn(conn net.Conn, opts ...NetConnOption) *NetConn {
	c := &NetConn{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		maxMessageSize: defaultMaxMessageSize,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send implements Transport.
func (c *NetConn) Send(data []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	if uint32(len(data)) > c.maxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds max %d", len(data), c.maxMessageSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := c.conn.Write(prefix[:]); err != nil {
		return c.fail(err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return c.fail(err)
	}
	return nil
}

// Recv implements Transport. It does not itself honor ctx cancellation
// mid-read (net.Conn has no context-aware Read); callers that need prompt
// shutdown should also call Close, which unblocks any in-flight Read with
// an error.
func (c *NetConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var prefix [4]byte
	if _, err := io.ReadFull(c.reader, prefix[:]); err != nil {
		return nil, c.fail(err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > c.maxMessageSize {
		return nil, c.fail(fmt.Errorf("transport: incoming message of %d bytes exceeds max %d", n, c.maxMessageSize))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, c.fail(err)
	}
	return buf, nil
}

func (c *NetConn) fail(err error) error {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.conn.Close()
	})
	return ErrClosed
}

// Close implements Transport. Idempotent.
func (c *NetConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}
