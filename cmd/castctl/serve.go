package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/castv2/internal/channel"
	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/logging"
	"github.com/danmuck/castv2/internal/observability"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/server"
	"github.com/danmuck/castv2/internal/tlsutil"
	"github.com/spf13/cobra"
)

func serveCmd(root *rootOptions) *cobra.Command {
	var (
		host        string
		port        int
		certFile    string
		keyFile     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo receiver",
		Long: `Run a CastV2 receiver.

Every envelope is echoed back to its connection with source and destination
swapped. Heartbeat PING messages are answered with PONG. Without --cert and
--key a self-signed certificate is generated at startup.

Examples:
  castctl serve
  castctl serve --port 8009 --metrics-addr :9464
  castctl serve --cert rx.crt --key rx.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Server.Host = host
			}
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("cert") {
				cfg.Server.CertFile = certFile
			}
			if flags.Changed("key") {
				cfg.Server.KeyFile = keyFile
			}
			if flags.Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}

			tlsCfg, err := tlsutil.ServerConfig(cfg.Server.CertFile, cfg.Server.KeyFile, []string{cfg.Server.Host, "localhost", "127.0.0.1"})
			if err != nil {
				return err
			}
			srv, err := server.New(server.Config{
				TLS:              tlsCfg,
				Limits:           cfg.Frame,
				HandshakeTimeout: cfg.Server.HandshakeTimeout,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReceiver(ctx, srv, cfg.Server.Host, cfg.Server.Port, cfg.Server.MetricsAddr)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "", "Address to bind (default from config, 0.0.0.0)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to bind (default from config, 8009)")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runReceiver(ctx context.Context, srv *server.Server, host string, port int, metricsAddr string) error {
	log := logging.Component("castctl.serve")
	rx := newReceiver(srv)
	defer rx.stop()

	if strings.TrimSpace(metricsAddr) != "" {
		metrics := &http.Server{
			Addr:              metricsAddr,
			Handler:           observability.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", metricsAddr).Msg("castctl.serve metrics listener failed")
			}
		}()
		defer metrics.Close()
		log.Info().Str("addr", metricsAddr).Msg("castctl.serve metrics enabled")
	}

	if err := srv.Listen(ctx, port, host); err != nil {
		return err
	}
	<-srv.Done()
	return nil
}

// receiver wires the echo and heartbeat behavior onto a server.
type receiver struct {
	srv  *server.Server
	subs []*eventbus.Subscription

	mu         sync.Mutex
	heartbeats map[string]*channel.Channel
}

func newReceiver(srv *server.Server) *receiver {
	rx := &receiver{
		srv:        srv,
		heartbeats: make(map[string]*channel.Channel),
	}
	bus := srv.Bus()
	rx.subs = append(rx.subs,
		bus.Subscribe(eventbus.KindConnection, rx.onConnection),
		bus.Subscribe(eventbus.KindDisconnect, rx.onDisconnect),
		bus.Subscribe(eventbus.KindMessage, rx.onMessage),
	)
	return rx
}

func (rx *receiver) onConnection(ev protocol.Event) {
	log := logging.Component("castctl.serve")
	hb, err := rx.srv.CreateChannel(ev.ConnectionID, protocol.PlatformReceiver, protocol.PlatformSender,
		protocol.NamespaceHeartbeat, channel.WithEncoding(channel.JSON))
	if err != nil {
		log.Error().Err(err).Str("conn", ev.ConnectionID).Msg("castctl.serve heartbeat channel")
		return
	}
	hb.OnMessage(func(m channel.Message) {
		body, ok := m.Payload.(map[string]any)
		if !ok || body["type"] != "PING" {
			return
		}
		if err := hb.Send(map[string]any{"type": "PONG"}); err != nil {
			log.Warn().Err(err).Str("conn", ev.ConnectionID).Msg("castctl.serve heartbeat reply")
		}
	})
	rx.mu.Lock()
	rx.heartbeats[ev.ConnectionID] = hb
	rx.mu.Unlock()
}

func (rx *receiver) onDisconnect(ev protocol.Event) {
	rx.mu.Lock()
	hb := rx.heartbeats[ev.ConnectionID]
	delete(rx.heartbeats, ev.ConnectionID)
	rx.mu.Unlock()
	if hb != nil {
		hb.Close()
	}
}

func (rx *receiver) onMessage(ev protocol.Event) {
	switch ev.Namespace {
	case protocol.NamespaceHeartbeat, protocol.NamespaceConnection:
		return
	}
	if err := rx.srv.Send(ev.ConnectionID, ev.DestinationID, ev.SourceID, ev.Namespace, ev.Payload); err != nil {
		log := logging.Component("castctl.serve")
		log.Warn().Err(err).Str("conn", ev.ConnectionID).Msg("castctl.serve echo")
	}
}

func (rx *receiver) stop() {
	for _, sub := range rx.subs {
		sub.Unsubscribe()
	}
	rx.mu.Lock()
	defer rx.mu.Unlock()
	for id, hb := range rx.heartbeats {
		hb.Close()
		delete(rx.heartbeats, id)
	}
}
