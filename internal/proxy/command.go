package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

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
	host          string
	port          int
	proxyURL      string
	transportMode string
	insecure      bool
	debug         bool
	socksPort     int
	idMode        string
}

func NewCommand(globals *rt.Options) *cobra.Command {
	opts := &options{
		host:          config.GetStringEnv("PROXY_HOST", "127.0.0.1"),
		port:          config.GetIntEnv("PROXY_PORT", 8080),
		proxyURL:      config.GetStringEnv("PROXY", ""),
		transportMode: config.GetStringEnv("TRANSPORT", "auto"),
		insecure:      config.GetBoolEnv("INSECURE", false),
		debug:         config.GetBoolEnv("DEBUG", false),
	}

	cmd := &cobra.Command{
		Use:   "proxy <session-or-url> [server-url] [port]",
		Short: "Local HTTP proxy forwarding browser traffic through the relay",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.sessionOrURL = args[0]
			rest := args[1:]
			// The port may follow directly when the server URL is
			// omitted.
			for _, arg := range rest {
				if port, err := strconv.Atoi(arg); err == nil {
					opts.port = port
				} else {
					opts.serverURL = arg
				}
			}
			if opts.serverURL == "" {
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

	cmd.Flags().StringVar(&opts.host, "host", opts.host, "local listen address")
	cmd.Flags().StringVar(&opts.proxyURL, "proxy", opts.proxyURL, "proxy URL used to reach the relay server")
	cmd.Flags().StringVar(&opts.transportMode, "transport", opts.transportMode, "transport selection (auto, ws or http)")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", opts.insecure, "disable TLS certificate verification")
	cmd.Flags().BoolVar(&opts.debug, "debug", opts.debug, "enable debug logging")
	cmd.Flags().IntVar(&opts.socksPort, "socks-port", 0, "optional SOCKS5 listen port (0 disables)")
	cmd.Flags().StringVar(&opts.idMode, "id-mode", "uuid", "request id generator (uuid or cuid)")

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

func (opts *options) run(ctx context.Context, globals *rt.Options) error {
	serverURL, session, err := transport.ResolveEndpoint(opts.sessionOrURL, opts.serverURL)
	if err != nil {
		return err
	}
	mode, err := transport.ParseMode(opts.transportMode)
	if err != nil {
		return err
	}
	if opts.port <= 0 || opts.port > 65535 {
		return fmt.Errorf("invalid port %d", opts.port)
	}

	var proxyURL *url.URL
	if opts.proxyURL != "" {
		proxyURL, err = url.Parse(opts.proxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy url: %w", err)
		}
	}

	logger := globals.Logger().With("component", "proxy")
	e, err := newEngine(logger, opts.idMode)
	if err != nil {
		return err
	}

	client, err := transport.New(transport.Config{
		ServerURL: serverURL,
		Session:   session,
		Role:      protocol.RoleProxy,
		Mode:      mode,
		ProxyURL:  proxyURL,
		Insecure:  opts.insecure,
		Logger:    logger,
		OnFrame:   e.handleFrame,
		OnDown:    e.handleTransportDown,
	})
	if err != nil {
		return err
	}
	e.client = client

	runCtx, cancel := util.WithSignalContext(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	go func() {
		if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
			sendErr(err)
		}
	}()

	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	srv := &http.Server{
		Addr:    addr,
		Handler: e,
	}
	go func() {
		logger.Info("proxy listening", "addr", addr, "server", serverURL.String(), "session", session)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("proxy listen: %w", err))
		}
	}()

	if opts.socksPort > 0 {
		socksAddr := net.JoinHostPort(opts.host, strconv.Itoa(opts.socksPort))
		go func() {
			if err := e.serveSocks(runCtx, socksAddr); err != nil {
				sendErr(err)
			}
		}()
	}

	select {
	case err = <-errCh:
	case <-runCtx.Done():
		err = nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	return err
}
