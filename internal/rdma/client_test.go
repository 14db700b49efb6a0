package rdma

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func testClientConfig() Config {
	return Config{
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		PageSize:     testPageSize,
	}
}

type receivedWrite struct {
	length     uint64
	pageOffset uint64
	payload    []byte
}

// poolServer is a loopback stand-in for the remote memory pool. It answers
// every write with the configured status and records what it received.
type poolServer struct {
	listener net.Listener

	mu     sync.Mutex
	writes []receivedWrite
	status int32

	// dropNext makes the server close the next connection after reading the
	// header, simulating a transport failure mid-write.
	dropNext bool
}

func newPoolServer(t *testing.T) *poolServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &poolServer{listener: listener}
	t.Cleanup(func() { listener.Close() })

	go server.serve()

	return server
}

func (s *poolServer) addr() string {
	return s.listener.Addr().String()
}

func (s *poolServer) received() []receivedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]receivedWrite(nil), s.writes...)
}

func (s *poolServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		go s.handle(conn)
	}
}

func (s *poolServer) handle(conn net.Conn) {
	defer conn.Close()

	for {
		var header [headerSize]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}

		s.mu.Lock()
		drop := s.dropNext
		s.dropNext = false
		s.mu.Unlock()

		if drop {
			return
		}

		length := binary.LittleEndian.Uint64(header[8:16])
		pageOffset := binary.LittleEndian.Uint64(header[16:24])

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		s.mu.Lock()
		s.writes = append(s.writes, receivedWrite{length: length, pageOffset: pageOffset, payload: payload})
		status := s.status
		s.mu.Unlock()

		var ack [ackSize]byte
		binary.LittleEndian.PutUint32(ack[:], uint32(status))
		if _, err := conn.Write(ack[:]); err != nil {
			return
		}
	}
}

func TestEncodeHeader(t *testing.T) {
	t.Parallel()

	header := EncodeHeader(12288, 3)

	want := [headerSize]byte{
		0x01, 0x00, 0x00, 0x00, // command
		0x00, 0x00, 0x00, 0x00, // reserved
		0x00, 0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 12288 bytes
		0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // page offset 3
	}

	assert.Equal(t, want, header)
}

func TestWriteAtDeliversPayload(t *testing.T) {
	t.Parallel()

	server := newPoolServer(t)
	client := NewClient(server.addr(), testClientConfig())
	defer client.Close()

	payload := make([]byte, 2*testPageSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, client.WriteAt(context.Background(), payload, 5*testPageSize))

	writes := server.received()
	require.Len(t, writes, 1)
	assert.Equal(t, uint64(len(payload)), writes[0].length)
	assert.Equal(t, uint64(5), writes[0].pageOffset)
	assert.Equal(t, payload, writes[0].payload)
}

func TestWriteAtReusesConnection(t *testing.T) {
	t.Parallel()

	server := newPoolServer(t)
	client := NewClient(server.addr(), testClientConfig())
	defer client.Close()

	require.NoError(t, client.WriteAt(context.Background(), make([]byte, testPageSize), 0))
	require.NoError(t, client.WriteAt(context.Background(), make([]byte, testPageSize), testPageSize))

	writes := server.received()
	require.Len(t, writes, 2)
	assert.Equal(t, uint64(0), writes[0].pageOffset)
	assert.Equal(t, uint64(1), writes[1].pageOffset)
}

func TestWriteAtRejectsUnalignedOffset(t *testing.T) {
	t.Parallel()

	client := NewClient("127.0.0.1:1", testClientConfig())

	err := client.WriteAt(context.Background(), make([]byte, testPageSize), testPageSize+1)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not page aligned")
}

func TestWriteAtSurfacesRejectedStatus(t *testing.T) {
	t.Parallel()

	server := newPoolServer(t)
	server.status = -22

	client := NewClient(server.addr(), testClientConfig())
	defer client.Close()

	err := client.WriteAt(context.Background(), make([]byte, testPageSize), 0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "status -22")
}

func TestWriteAtRedialsAfterFailure(t *testing.T) {
	t.Parallel()

	server := newPoolServer(t)
	client := NewClient(server.addr(), testClientConfig())
	defer client.Close()

	require.NoError(t, client.WriteAt(context.Background(), make([]byte, testPageSize), 0))

	server.mu.Lock()
	server.dropNext = true
	server.mu.Unlock()

	err := client.WriteAt(context.Background(), make([]byte, testPageSize), testPageSize)
	require.Error(t, err)

	// The streamer's retry path: the same write succeeds on a fresh
	// connection.
	require.NoError(t, client.WriteAt(context.Background(), make([]byte, testPageSize), testPageSize))

	writes := server.received()
	require.Len(t, writes, 2)
	assert.Equal(t, uint64(1), writes[1].pageOffset)
}

func TestWriteAtFailsWhenPoolUnreachable(t *testing.T) {
	t.Parallel()

	// Reserved port, nothing listens there.
	client := NewClient("127.0.0.1:1", testClientConfig())

	err := client.WriteAt(context.Background(), make([]byte, testPageSize), 0)
	require.Error(t, err)
}
