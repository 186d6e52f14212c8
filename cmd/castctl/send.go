package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/castv2/internal/channel"
	"github.com/danmuck/castv2/internal/client"
	"github.com/danmuck/castv2/internal/config"
	"github.com/danmuck/castv2/internal/eventbus"
	"github.com/danmuck/castv2/internal/protocol"
	"github.com/danmuck/castv2/internal/protocol/session"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	port      int
	source    string
	dest      string
	namespace string
	hexData   bool
	wait      time.Duration
}

func sendCmd(root *rootOptions) *cobra.Command {
	opts := sendOptions{}

	cmd := &cobra.Command{
		Use:   "send [host] <data>",
		Short: "Send one envelope and print replies",
		Long: `Connect to a receiver, send one envelope and print every envelope that
comes back from the destination on the same namespace until --wait elapses.

The host defaults to [client] host from the config file. The initial
connect is retried with exponential backoff using the [client] retry
settings.

Examples:
  castctl send 192.168.1.20 '{"type":"PING"}' --ns urn:x-cast:com.google.cast.tp.heartbeat
  castctl send tv.local 00ff10 --hex --ns urn:x-cast:test`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			target, raw, err := sendTarget(cfg.Client, args)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				target.Port = opts.port
			}
			var data any = raw
			if opts.hexData {
				b, err := hex.DecodeString(raw)
				if err != nil {
					return fmt.Errorf("decode --hex payload: %w", err)
				}
				data = b
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := client.New(client.Config{Limits: cfg.Frame})
			backoff := session.DefaultBackoffConfig()
			backoff.InitialDelay = cfg.Client.RetryMin
			backoff.MaxDelay = cfg.Client.RetryMax
			err = session.Retry(ctx, backoff, cfg.Client.RetryAttempts, func(ctx context.Context) error {
				dialCtx := ctx
				if cfg.Client.ConnectTimeout > 0 {
					var cancel context.CancelFunc
					dialCtx, cancel = context.WithTimeout(ctx, cfg.Client.ConnectTimeout)
					defer cancel()
				}
				return c.Connect(dialCtx, target)
			})
			if err != nil {
				return fmt.Errorf("connect %s: %w", target.Address(), err)
			}
			defer c.Close()

			return exchange(ctx, cmd, c, opts, data)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Receiver port (default from config, 8009)")
	cmd.Flags().StringVar(&opts.source, "src", protocol.PlatformSender, "Source id")
	cmd.Flags().StringVar(&opts.dest, "dst", protocol.PlatformReceiver, "Destination id")
	cmd.Flags().StringVar(&opts.namespace, "ns", "urn:x-cast:test", "Namespace")
	cmd.Flags().BoolVar(&opts.hexData, "hex", false, "Treat data as hex and send a BINARY payload")
	cmd.Flags().DurationVarP(&opts.wait, "wait", "w", 2*time.Second, "How long to print replies")

	return cmd
}

// sendTarget splits "[host] <data>" arguments, taking the host from the
// [client] section when it is omitted.
func sendTarget(cfg config.ClientConfig, args []string) (client.ConnectOptions, string, error) {
	host, data := cfg.Host, args[len(args)-1]
	if len(args) == 2 {
		host = args[0]
	}
	if strings.TrimSpace(host) == "" {
		return client.ConnectOptions{}, "", errors.New("send: no host given and [client] host is not set")
	}
	return client.ConnectOptions{Host: host, Port: cfg.Port}, data, nil
}

func exchange(ctx context.Context, cmd *cobra.Command, c *client.Client, opts sendOptions, data any) error {
	ch, err := c.CreateChannel(opts.source, opts.dest, opts.namespace)
	if err != nil {
		return err
	}
	defer ch.Close()

	out := cmd.OutOrStdout()
	ch.OnMessage(func(m channel.Message) {
		switch p := m.Payload.(type) {
		case []byte:
			fmt.Fprintf(out, "< %s broadcast=%v %s\n", opts.namespace, m.Broadcast, hex.EncodeToString(p))
		default:
			fmt.Fprintf(out, "< %s broadcast=%v %v\n", opts.namespace, m.Broadcast, p)
		}
	})
	failed := make(chan error, 1)
	c.Bus().Once(eventbus.KindError, func(ev protocol.Event) { failed <- ev.Err })

	if err := ch.Send(data); err != nil {
		return err
	}
	fmt.Fprintf(out, "> %s %s -> %s\n", opts.namespace, opts.source, opts.dest)

	timer := time.NewTimer(opts.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case err := <-failed:
		return err
	case <-c.Done():
		return fmt.Errorf("receiver closed the connection")
	}
}
