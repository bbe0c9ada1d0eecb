package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"deploy-agent/internal/bus"
	"deploy-agent/internal/command"
	"deploy-agent/internal/mdns"
)

type busFlags struct {
	url       string
	prefix    string
	appID     string
	agent     string
	requester string
}

func (f *busFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&f.prefix, "prefix", bus.DefaultPrefix, "topic prefix")
	cmd.Flags().StringVar(&f.appID, "app", bus.DefaultAppID, "application id of the agent")
	cmd.Flags().StringVar(&f.agent, "agent", "", "client id of the target agent")
	cmd.Flags().StringVar(&f.requester, "requester", "", "client id replies and notifications are addressed to (default: random)")
	_ = cmd.MarkFlagRequired("agent")
}

func (f *busFlags) client() (*bus.Client, *nats.Conn, error) {
	if f.requester == "" {
		f.requester = "cli-" + uuid.NewString()[:8]
	}
	nc, err := nats.Connect(f.url, nats.Name("deploy-agent-cli"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	topics := bus.Topics{Prefix: f.prefix, ClientID: f.agent, AppID: f.appID}
	return bus.NewClient(nc, topics, f.requester), nc, nil
}

func newRequestCmd() *cobra.Command {
	var (
		flags   busFlags
		metrics string
		timeout time.Duration
		watch   bool
	)
	cmd := &cobra.Command{
		Use:   "request VERB RESOURCE",
		Short: "Send a request to an agent over NATS",
		Example: `  deploy-agent request --agent edge-01 GET download
  deploy-agent request --agent edge-01 EXEC download --metrics '{"dp.name":"web","dp.version":"1.2.0","dp.url":"https://repo/web.dp"}' --watch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verb, err := command.ParseVerb(args[0])
			if err != nil {
				return err
			}
			params, err := parseMetrics(metrics)
			if err != nil {
				return err
			}

			client, nc, err := flags.client()
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watch {
				go func() {
					_ = client.Watch(ctx, printNotification(cmd))
				}()
				// subscription must reach the server before the request does
				if err := nc.Flush(); err != nil {
					return err
				}
			}

			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			resp, err := client.Request(reqCtx, verb, command.SplitResources(args[1]), params)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			out, err := bus.EncodeResponse(resp)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}

			if watch {
				<-ctx.Done()
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&metrics, "metrics", "", "request parameters as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "reply timeout")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep printing notifications until interrupted")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var flags busFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications an agent sends to a requester",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, nc, err := flags.client()
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Watch(ctx, printNotification(cmd))
		},
	}
	flags.register(cmd)
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find agents announcing their admin API on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := mdns.Discover(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no agents found")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tclient_id=%s\tapp_id=%s\tversion=%s\t%s\n",
					e.Instance,
					mdns.TXT(e, "client_id"),
					mdns.TXT(e, "app_id"),
					mdns.TXT(e, "version"),
					mdns.FormatServiceURL(e),
				)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "browse duration")
	return cmd
}

func parseMetrics(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid --metrics: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("invalid --metrics: expected a JSON object")
	}
	return m, nil
}

func printNotification(cmd *cobra.Command) func(string, *bus.NotificationPayload) {
	return func(subject string, n *bus.NotificationPayload) {
		data, err := json.Marshal(n)
		if err != nil {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", subject, data)
	}
}

func printJSON(cmd *cobra.Command, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(cmd.OutOrStdout())
	return err
}
