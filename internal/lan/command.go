package lan

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/nicolas-albert/remote-ws-proxy/internal/config"
	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
	rt "github.com/nicolas-albert/remote-ws-proxy/internal/runtime"
	"github.com/nicolas-albert/remote-ws-proxy/internal/transport"
	"github.com/nicolas-albert/remote-ws-proxy/internal/util"
)

type options struct {
	sessionOrURL  string
	serverURL     string
	proxyURL      string
	tunnelProxy   string
	transportMode string
	insecure      bool
	debug         bool
}

func NewCommand(globals *rt.Options) *cobra.Command {
	opts := &options{
		proxyURL:      config.GetStringEnv("PROXY", ""),
		tunnelProxy:   config.GetStringEnv("TUNNEL_PROXY", ""),
		transportMode: config.GetStringEnv("TRANSPORT", "auto"),
		insecure:      config.GetBoolEnv("INSECURE", false),
		debug:         config.GetBoolEnv("DEBUG", false),
	}

	cmd := &cobra.Command{
		Use:   "lan <session-or-url> [server-url]",
		Short: "Agent executing requests and tunnels from inside the private network",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.sessionOrURL = args[0]
			if len(args) > 1 {
				opts.serverURL = args[1]
			} else {
				opts.serverURL, _ = config.LookupAny("SERVER", "SERVER_URL")
			}
			if err := setupLogger(globals, opts.debug); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return opts.run(ctx, globals)
		},
	}

	cmd.Flags().StringVar(&opts.proxyURL, "proxy", opts.proxyURL, "proxy URL used to reach the relay server")
	cmd.Flags().StringVar(&opts.tunnelProxy, "tunnel-proxy", opts.tunnelProxy, "proxy URL for CONNECT targets (\"true\" reuses --proxy)")
	cmd.Flags().StringVar(&opts.transportMode, "transport", opts.transportMode, "transport selection (auto, ws or http)")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", opts.insecure, "disable TLS certificate verification")
	cmd.Flags().BoolVar(&opts.debug, "debug", opts.debug, "enable debug logging")

	return cmd
}

func setupLogger(globals *rt.Options, debug bool) error {
	if debug {
		return globals.ForceDebug()
	}
	if globals.Logger() == nil {
		return globals.SetupLogger()
	}
	return nil
}

// run connects the LAN role; it returns when ctx ends.
func (opts *options) run(ctx context.Context, globals *rt.Options) error {
	serverURL, session, err := transport.ResolveEndpoint(opts.sessionOrURL, opts.serverURL)
	if err != nil {
		return err
	}
	mode, err := transport.ParseMode(opts.transportMode)
	if err != nil {
		return err
	}

	var proxyURL *url.URL
	if opts.proxyURL != "" {
		proxyURL, err = url.Parse(opts.proxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy url: %w", err)
		}
	}

	var tunnelProxy *url.URL
	switch opts.tunnelProxy {
	case "":
	case "true":
		if proxyURL == nil {
			return fmt.Errorf("--tunnel-proxy=true requires --proxy")
		}
		tunnelProxy = proxyURL
	default:
		tunnelProxy, err = url.Parse(opts.tunnelProxy)
		if err != nil {
			return fmt.Errorf("invalid tunnel-proxy url: %w", err)
		}
	}

	logger := globals.Logger().With("component", "lan")
	a := newAgent(logger, tunnelProxy, opts.insecure)

	client, err := transport.New(transport.Config{
		ServerURL: serverURL,
		Session:   session,
		Role:      protocol.RoleLAN,
		Mode:      mode,
		ProxyURL:  proxyURL,
		Insecure:  opts.insecure,
		Logger:    logger,
		OnFrame:   a.handleFrame,
		OnDown:    a.handleTransportDown,
	})
	if err != nil {
		return err
	}
	a.client = client

	runCtx, cancel := util.WithSignalContext(ctx)
	defer cancel()

	logger.Info("lan agent starting", "server", serverURL.String(), "session", session)
	err = client.Run(runCtx)
	if runCtx.Err() != nil {
		return nil
	}
	return err
}
