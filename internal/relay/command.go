package relay

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicolas-albert/remote-ws-proxy/internal/config"
	rt "github.com/nicolas-albert/remote-ws-proxy/internal/runtime"
	"github.com/nicolas-albert/remote-ws-proxy/internal/util"
)

func NewCommand(globals *rt.Options) *cobra.Command {
	defaults := &serverOptions{
		host:      "0.0.0.0",
		port:      8080,
		heartbeat: 30 * time.Second,
	}
	opts := &serverOptions{
		host:      config.GetStringEnv("HOST", defaults.host),
		port:      config.GetIntEnv("PORT", defaults.port),
		heartbeat: defaults.heartbeat,
	}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Public relay routing frames between lan and proxy roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			if opts.configFile != "" {
				cfg, err := loadFileConfig(opts.configFile)
				if err != nil {
					return err
				}
				opts.applyFileConfig(cfg, defaults)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			runCtx, cancel := util.WithSignalContext(ctx)
			defer cancel()
			server, err := newRelayServer(globals.Logger().With("component", "server"), opts)
			if err != nil {
				return err
			}
			err = server.run(runCtx)
			if runCtx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", opts.host, "listen address")
	cmd.Flags().IntVar(&opts.port, "port", opts.port, "listen port")
	cmd.Flags().StringVar(&opts.homepage, "homepage", "", "redirect target for non-API paths (empty disables)")
	cmd.Flags().StringVar(&opts.configFile, "config", "", "path to YAML server configuration")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "optional listen address for /metrics and /status.json")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", opts.heartbeat, "socket heartbeat interval")
	cmd.Flags().DurationVar(&opts.sessionIdle, "session-idle", 0, "reap sessions idle longer than this (0 disables)")
	cmd.Flags().StringSliceVar(&opts.acmeHosts, "acme-host", nil, "hostnames for Let's Encrypt certificates (repeatable, enables TLS)")
	cmd.Flags().StringVar(&opts.acmeEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	cmd.Flags().StringVar(&opts.acmeCache, "acme-cache", "", "directory for ACME certificate cache")

	return cmd
}
