package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/R1ckyH/chatbridge/internal/config"
	"github.com/R1ckyH/chatbridge/internal/protocol"
)

const testKey = "test-key"

func cryptorForTest() protocol.Cryptor {
	return protocol.NewCryptor(testKey)
}

func pingEnvelope() *protocol.Envelope {
	return protocol.NewKeepAlive(protocol.PingTypePing)
}

func testTimeouts() config.TimeoutsConfig {
	return config.TimeoutsConfig{
		Idle:         2 * time.Second,
		Auth:         2 * time.Second,
		PingInterval: time.Second,
		Call:         500 * time.Millisecond,
		PluginBudget: time.Second,
	}
}

// testClient speaks the wire protocol directly against a running Server,
// standing in for a real bridge client.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	cryptor protocol.Cryptor
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, cryptor: cryptorForTest()}
}

func (c *testClient) send(env *protocol.Envelope) {
	c.t.Helper()
	plain, err := env.Marshal()
	require.NoError(c.t, err)
	payload, err := c.cryptor.Encrypt(string(plain))
	require.NoError(c.t, err)
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(c.t, protocol.WriteFrame(c.conn, payload))
}

func (c *testClient) recv() *protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := protocol.ReadFrame(c.conn)
	require.NoError(c.t, err)
	plain, err := c.cryptor.Decrypt(payload)
	require.NoError(c.t, err)
	env, err := protocol.Unmarshal([]byte(plain))
	require.NoError(c.t, err)
	return env
}

// recvErr reads one frame expecting a transport-level failure (closed peer).
func (c *testClient) recvErr() error {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadFrame(c.conn)
	return err
}

func (c *testClient) login(name, password string) *protocol.Envelope {
	c.t.Helper()
	c.send(protocol.NewLogin(name, password, "test"))
	return c.recv()
}

// startTestServer runs a Server on a random port and waits for it to listen.
func startTestServer(t *testing.T, dispatcher EventDispatcher) *Server {
	t.Helper()
	return startTestServerWith(t, testTimeouts(), dispatcher)
}

// startTestServerWith is startTestServer with injectable timeouts.
func startTestServerWith(t *testing.T, timeouts config.TimeoutsConfig, dispatcher EventDispatcher) *Server {
	t.Helper()
	cfg := config.Config{
		Server: config.ServerConfig{
			Host:        "127.0.0.1",
			Port:        0,
			AESKey:      testKey,
			ClientsFile: "unused",
		},
		Timeouts: timeouts,
		Logging:  config.LoggingConfig{Level: "debug", Format: "console"},
	}
	srv := NewServer(cfg, testEntries(), dispatcher, zaptest.NewLogger(t))

	go func() { _ = srv.Start() }()
	t.Cleanup(srv.Stop)

	deadline := time.After(2 * time.Second)
	for srv.Addr() == "" {
		select {
		case <-deadline:
			t.Fatal("server did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	return srv
}
