// Package rdma implements the client side of the remote memory pool
// protocol. The pool is a byte store addressed by page offset; each write
// carries a fixed little-endian header, the payload, and is acknowledged with
// a status word before it counts as durable.
package rdma

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	cmdMapImage uint32 = 0x1

	headerSize = 24
	ackSize    = 4
)

// PoolWriter is the transport surface the memory streamer depends on. A
// write is durable at the destination offset once WriteAt returns nil.
type PoolWriter interface {
	WriteAt(ctx context.Context, payload []byte, byteOffset uint64) error
	Close() error
}

type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PageSize     uint64
}

// Client writes to one remote pool over a single TCP connection. It is not
// safe for concurrent use; the orchestrator serializes all writes on it. A
// failed write closes the connection and the next write redials.
type Client struct {
	addr   string
	config Config
	conn   net.Conn
}

func NewClient(addr string, config Config) *Client {
	return &Client{addr: addr, config: config}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to pool %s: %w", c.addr, err)
	}

	c.conn = conn

	return nil
}

// WriteAt places payload at byteOffset in the pool. The offset must be page
// aligned because the wire format addresses the pool in pages.
func (c *Client) WriteAt(ctx context.Context, payload []byte, byteOffset uint64) error {
	if byteOffset%c.config.PageSize != 0 {
		return fmt.Errorf("destination offset 0x%x is not page aligned (page size %d)", byteOffset, c.config.PageSize)
	}

	if err := c.connect(ctx); err != nil {
		return err
	}

	err := c.write(ctx, payload, byteOffset/c.config.PageSize)
	if err != nil {
		// Drop the connection so the next attempt starts clean.
		closeErr := c.conn.Close()
		c.conn = nil
		if closeErr != nil {
			return fmt.Errorf("%w (also failed to close connection: %s)", err, closeErr)
		}

		return err
	}

	return nil
}

func (c *Client) write(ctx context.Context, payload []byte, pageOffset uint64) error {
	deadline := time.Now().Add(c.config.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	header := EncodeHeader(uint64(len(payload)), pageOffset)
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("failed to send write header to pool: %w", err)
	}

	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("failed to send payload to pool: %w", err)
	}

	var ack [ackSize]byte
	if _, err := io.ReadFull(c.conn, ack[:]); err != nil {
		return fmt.Errorf("failed to read pool acknowledgment: %w", err)
	}

	if status := int32(binary.LittleEndian.Uint32(ack[:])); status != 0 {
		return fmt.Errorf("pool rejected write at page offset %d with status %d", pageOffset, status)
	}

	return nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close pool connection: %w", err)
	}

	return nil
}

// EncodeHeader builds the 24-byte write header: command, reserved word,
// payload length in bytes, destination page offset, all little endian.
func EncodeHeader(length, pageOffset uint64) [headerSize]byte {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], cmdMapImage)
	binary.LittleEndian.PutUint64(header[8:16], length)
	binary.LittleEndian.PutUint64(header[16:24], pageOffset)

	return header
}
