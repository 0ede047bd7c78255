package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nicolas-albert/remote-ws-proxy/internal/config"
	"github.com/nicolas-albert/remote-ws-proxy/internal/lan"
	"github.com/nicolas-albert/remote-ws-proxy/internal/observability"
	"github.com/nicolas-albert/remote-ws-proxy/internal/proxy"
	"github.com/nicolas-albert/remote-ws-proxy/internal/relay"
	rt "github.com/nicolas-albert/remote-ws-proxy/internal/runtime"
	"github.com/nicolas-albert/remote-ws-proxy/internal/version"
)

type tracingFlags struct {
	exporter string
	endpoint string
	insecure bool
}

func Execute() error {
	config.LoadDotEnv()

	opts := &rt.Options{
		LogLevel: "info",
	}
	tracing := &tracingFlags{}
	var tracingShutdown func(context.Context) error

	cmd := newRootCommand(opts, tracing, &tracingShutdown)

	// Container entrypoint: with no arguments the role comes from the
	// environment.
	if len(os.Args) <= 1 {
		if args, ok := argsFromEnv(); ok {
			cmd.SetArgs(args)
		}
	}

	err := cmd.Execute()
	if tracingShutdown != nil {
		_ = tracingShutdown(context.Background())
	}
	return err
}

func newRootCommand(opts *rt.Options, tracing *tracingFlags, tracingShutdown *func(context.Context) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "rwp",
		Short:        "Relay browser traffic into a private network over a tunneled session",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.SetupLogger(); err != nil {
				return err
			}
			if tracing.exporter == "" {
				return nil
			}
			shutdown, err := observability.InitTracing(cmd.Context(), observability.TracingConfig{
				Enabled:     true,
				Exporter:    tracing.exporter,
				ServiceName: "rwp",
				Endpoint:    tracing.endpoint,
				Insecure:    tracing.insecure,
			})
			if err != nil {
				return err
			}
			*tracingShutdown = shutdown
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&tracing.exporter, "trace-exporter", "", "tracing exporter (stdout, otlp-grpc or otlp-http; empty disables)")
	cmd.PersistentFlags().StringVar(&tracing.endpoint, "trace-endpoint", "", "tracing collector endpoint")
	cmd.PersistentFlags().BoolVar(&tracing.insecure, "trace-insecure", false, "disable TLS on the tracing exporter")

	cmd.AddCommand(relay.NewCommand(opts))
	cmd.AddCommand(lan.NewCommand(opts))
	cmd.AddCommand(proxy.NewCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}

// argsFromEnv builds the argument vector for the ROLE environment
// entrypoint. Flag-shaped settings (PROXY, TRANSPORT, PORT, ...) are
// picked up by the role commands themselves; only positionals are
// synthesized here.
func argsFromEnv() ([]string, bool) {
	role, ok := config.Lookup("ROLE")
	if !ok {
		return nil, false
	}
	switch strings.ToLower(role) {
	case "server":
		return []string{"server"}, true
	case "lan", "proxy":
		args := []string{strings.ToLower(role)}
		session, haveSession := config.Lookup("SESSION")
		server, haveServer := config.LookupAny("SERVER", "SERVER_URL")
		switch {
		case haveSession && haveServer:
			args = append(args, session, server)
		case haveSession:
			args = append(args, session)
		case haveServer:
			// The server URL carries the session as its path segment.
			args = append(args, server)
		default:
			return nil, false
		}
		return args, true
	default:
		return nil, false
	}
}
