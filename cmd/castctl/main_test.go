package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/castv2/internal/channel"
	"github.com/danmuck/castv2/internal/client"
	"github.com/danmuck/castv2/internal/config"
	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/server"
	"github.com/danmuck/castv2/internal/testutil/testlog"
	"github.com/danmuck/castv2/internal/testutil/tlstest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keepLogger restores the global logger that rootOptions.load replaces.
func keepLogger(t *testing.T) {
	t.Helper()
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestRootOptionsLoad(t *testing.T) {
	testlog.Start(t)
	keepLogger(t)
	path := filepath.Join(t.TempDir(), "castctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("[client]\nport = 9009\n"), 0o600))

	cfg, err := (&rootOptions{configPath: path, logLevel: "error"}).load()
	require.NoError(t, err)
	assert.Equal(t, 9009, cfg.Client.Port)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Log.Level)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)

	_, err = (&rootOptions{logLevel: "loud"}).load()
	assert.Error(t, err)
}

func TestRootOptionsLoadLayersLogEnv(t *testing.T) {
	testlog.Start(t)
	keepLogger(t)
	path := filepath.Join(t.TempDir(), "castctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o600))
	t.Setenv(logging.EnvLogLevel, "warn")
	t.Setenv(logging.EnvLogBypass, "true")

	cfg, err := (&rootOptions{configPath: path}).load()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, cfg.Log.Level, "environment overrides the file")
	assert.True(t, cfg.Log.Bypass)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	cfg, err = (&rootOptions{configPath: path, logLevel: "error"}).load()
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Log.Level, "--log-level overrides the environment")
}

func TestSendTargetHostDefault(t *testing.T) {
	cc := config.Default().Client

	target, data, err := sendTarget(cc, []string{"tv.local", "PING"})
	require.NoError(t, err)
	assert.Equal(t, "tv.local", target.Host)
	assert.Equal(t, "PING", data)

	_, _, err = sendTarget(cc, []string{"PING"})
	assert.Error(t, err, "no host anywhere")

	cc.Host = "192.168.1.20"
	cc.Port = 9000
	target, data, err = sendTarget(cc, []string{"PING"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20:9000", target.Address())
	assert.Equal(t, "PING", data)
}

func TestReceiverEchoesAndAnswersHeartbeat(t *testing.T) {
	testlog.Start(t)
	srv, err := server.New(server.Config{TLS: tlstest.ServerConfig(t)})
	require.NoError(t, err)
	rx := newReceiver(srv)
	defer rx.stop()
	require.NoError(t, srv.Listen(context.Background(), 0, "127.0.0.1"))
	defer srv.Close()

	_, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	c := client.New(client.DefaultConfig())
	require.NoError(t, c.Connect(context.Background(), client.ConnectOptions{Host: "127.0.0.1", Port: port}))
	defer c.Close()

	got := make(chan protocol.Event, 4)
	c.Bus().Subscribe(eventbus.KindMessage, func(ev protocol.Event) { got <- ev })

	hb, err := c.CreateChannel(protocol.PlatformSender, protocol.PlatformReceiver, protocol.NamespaceHeartbeat, channel.WithEncoding(channel.JSON))
	require.NoError(t, err)
	// The receiver registers its heartbeat channel on the connection event,
	// which may land just after Connect returns.
	require.Eventually(t, func() bool {
		rx.mu.Lock()
		defer rx.mu.Unlock()
		return len(rx.heartbeats) == 1
	}, 5*time.Second, 10*time.Millisecond, "receiver never registered heartbeat channel")

	require.NoError(t, hb.Send(map[string]any{"type": "PING"}))
	require.NoError(t, c.Send(protocol.PlatformSender, protocol.PlatformReceiver, "urn:x-cast:test", "echo me"))

	seen := map[string]any{}
	for len(seen) < 2 {
		select {
		case ev := <-got:
			seen[ev.Namespace] = ev.Payload
		case <-time.After(5 * time.Second):
			t.Fatalf("replies missing, got %v", seen)
		}
	}
	assert.Equal(t, `{"type":"PONG"}`, seen[protocol.NamespaceHeartbeat])
	assert.Equal(t, "echo me", seen["urn:x-cast:test"])
}
