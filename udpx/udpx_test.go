package udpx

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPacket_PackHeaderBits(t *testing.T) {
	request := &Packet{Version: 0, AckRequest: true, ID: 0x2A, Payload: []byte{1, 2}}
	assert.Equal(t, []byte{0x10, 0x2A, 1, 2}, request.Pack())

	ack := &Packet{Version: 0, Server: true, Ack: true, ID: 7}
	assert.Equal(t, []byte{0x28, 0x07}, ack.Pack())
}

func TestParse_RoundTrip(t *testing.T) {
	in := &Packet{Version: 0, Server: true, Ack: true, ID: 0x99, Payload: []byte("hello")}

	out, err := Parse(in.Pack())
	require.NoError(t, err)

	assert.Equal(t, uint8(0), out.Version)
	assert.True(t, out.Server)
	assert.False(t, out.AckRequest)
	assert.True(t, out.Ack)
	assert.Equal(t, uint8(0x99), out.ID)
	assert.Equal(t, []byte("hello"), out.Payload)
}

func TestParse_ShortPacket(t *testing.T) {
	_, err := Parse([]byte{0x10})
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestClientServer_Loopback(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server, err := NewServer("127.0.0.1:0", 2*time.Second, logger)
	require.NoError(t, err)
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		req, err := server.Receive()
		if err != nil {
			done <- err
			return
		}
		if string(req.Data) != "ping" {
			done <- ErrInvalidPacket
			return
		}
		done <- server.Respond(req, []byte("pong"))
	}()

	client, err := NewClient(logger)
	require.NoError(t, err)
	defer client.Close()

	reply, raddr, err := client.Exchange([]byte("ping"), server.Addr())
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, []byte("pong"), reply)
	assert.Equal(t, server.Addr().Port, raddr.Port)
	assert.Equal(t, 0, client.Resent())
}

func TestClient_RetransmitsUntilAck(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server, err := NewServer("127.0.0.1:0", 10*time.Second, logger)
	require.NoError(t, err)
	defer server.Close()

	// Drop the first two requests. The client should back off 1.0s then
	// 1.1s before the third attempt succeeds.
	go func() {
		for i := 0; i < 3; i++ {
			req, err := server.Receive()
			if err != nil {
				return
			}
			if i == 2 {
				server.Respond(req, []byte("ok"))
			}
		}
	}()

	client, err := NewClient(logger)
	require.NoError(t, err)
	defer client.Close()

	start := time.Now()
	reply, _, err := client.Exchange([]byte("req"), server.Addr())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply)
	assert.Equal(t, 2, client.Resent())
	assert.GreaterOrEqual(t, elapsed, 2100*time.Millisecond)
}

func TestClient_TimesOutWithoutAck(t *testing.T) {
	logger := zaptest.NewLogger(t)

	// Nothing listens beyond the bind, so every attempt expires.
	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	client, err := NewClient(logger)
	require.NoError(t, err)
	defer client.Close()
	client.SetTimeout(20 * time.Millisecond)

	_, _, err = client.Exchange([]byte("req"), sink.LocalAddr().(*net.UDPAddr))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, DefaultTries-1, client.Resent())
}

func TestClient_IgnoresStrayDatagrams(t *testing.T) {
	logger := zaptest.NewLogger(t)

	fake, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer fake.Close()

	go func() {
		buf := make([]byte, 4096)
		n, raddr, err := fake.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := Parse(buf[:n])
		if err != nil {
			return
		}

		// Not an ack, then a mismatched id, then the real thing.
		noAck := &Packet{Version: 0, Server: true, ID: req.ID, Payload: []byte("no")}
		fake.WriteToUDP(noAck.Pack(), raddr)
		wrongID := &Packet{Version: 0, Server: true, Ack: true, ID: req.ID + 1, Payload: []byte("no")}
		fake.WriteToUDP(wrongID.Pack(), raddr)
		good := &Packet{Version: 0, Server: true, Ack: true, ID: req.ID, Payload: []byte("yes")}
		fake.WriteToUDP(good.Pack(), raddr)
	}()

	client, err := NewClient(logger)
	require.NoError(t, err)
	defer client.Close()

	reply, _, err := client.Exchange([]byte("req"), fake.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), reply)
	assert.Equal(t, 0, client.Resent())
}

func TestServer_RejectsNonRequest(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server, err := NewServer("127.0.0.1:0", 2*time.Second, logger)
	require.NoError(t, err)
	defer server.Close()

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sender.Close()

	ack := &Packet{Version: 0, Server: true, Ack: true, ID: 1}
	_, err = sender.WriteToUDP(ack.Pack(), server.Addr())
	require.NoError(t, err)

	_, err = server.Receive()
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestServer_ReceiveTimeout(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server, err := NewServer("127.0.0.1:0", 30*time.Millisecond, logger)
	require.NoError(t, err)
	defer server.Close()

	_, err = server.Receive()
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestPool_LimitsConcurrentExchanges(t *testing.T) {
	logger := zaptest.NewLogger(t)

	server, err := NewServer("127.0.0.1:0", 10*time.Second, logger)
	require.NoError(t, err)
	defer server.Close()

	go func() {
		for i := 0; i < 3; i++ {
			req, err := server.Receive()
			if err != nil {
				return
			}
			time.Sleep(150 * time.Millisecond)
			server.Respond(req, req.Data)
		}
	}()

	pool := NewPool(1, logger)
	start := time.Now()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, _, err := pool.Exchange([]byte("x"), server.Addr(), 0)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}

	// With a single slot the three exchanges run back to back.
	assert.GreaterOrEqual(t, time.Since(start), 440*time.Millisecond)
	assert.Equal(t, int64(0), pool.Resent())
}
