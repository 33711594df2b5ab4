package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paperdash/events"
	"paperdash/store"
	"paperdash/wsclient"
)

func newWatchCmd(rc *RootConfig) *cobra.Command {
	var (
		wsURL  string
		apiURL string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the viewer side: follow a bot and print account updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rc.Config()
			if wsURL != "" {
				cfg.Client.WSURL = wsURL
			}
			if apiURL != "" {
				cfg.Client.APIURL = apiURL
			}
			if cfg.Client.WSURL == "" || cfg.Client.APIURL == "" {
				return fmt.Errorf("client.ws_url and client.api_url are required")
			}
			return runWatch(rc, cfg.Client.WSURL, cfg.Client.APIURL)
		},
	}

	cmd.Flags().StringVar(&wsURL, "ws", "", "Bot websocket URL (overrides config)")
	cmd.Flags().StringVar(&apiURL, "api", "", "Bot REST base URL (overrides config)")
	return cmd
}

func runWatch(rc *RootConfig, wsURL, apiURL string) error {
	logger := rc.Logger()

	var opts []wsclient.Option
	if ka, err := rc.Config().Client.ParseKeepAlive(); err == nil && ka > 0 {
		opts = append(opts, wsclient.WithKeepAlive(ka))
	}
	client := wsclient.New(wsURL, logger, opts...)
	defer client.Disconnect()

	st := store.New(store.NewRESTClient(apiURL), logger)
	defer st.Close()

	st.OnBalance(func(b events.Balance, src store.Source) {
		fmt.Printf("balance  total=%.2f available=%.2f margin=%.2f upnl=%.2f rpnl=%.2f (%s)\n",
			b.TotalBalance, b.AvailableBalance, b.UsedMargin, b.UnrealizedPnL, b.RealizedPnL, src)
	})
	st.OnPositions(func(rows []events.Position, src store.Source) {
		fmt.Printf("positions %d open (%s)\n", len(rows), src)
		for _, p := range rows {
			fmt.Printf("  %-10s %-5s margin=%.2f pnl=%+.2f (%.1f%%)\n",
				p.Symbol, p.Side, p.Margin, p.PnL, p.PnLPercent)
		}
	})
	st.OnError(func(resource string, err error) {
		logger.Warn("fetch failed", zap.String("resource", resource), zap.Error(err))
	})

	client.OnStateChange(func(s wsclient.State) {
		fmt.Printf("transport %s\n", s)
	})
	// Registering the handler auto-connects; the transport keeps itself alive
	// from here on.
	client.AddHandler(func(env events.Envelope) {
		switch env.Type {
		case events.KindStatus:
			var s events.Status
			if env.Payload(&s) == nil {
				fmt.Printf("status   running=%t paper=%t uptime=%ds symbols=%v\n",
					s.Running, s.PaperMode, s.UptimeSeconds, s.Symbols)
			}
		case events.KindActivity:
			var a events.Activity
			if env.Payload(&a) == nil {
				fmt.Printf("activity %s\n", a.Message)
			}
		}
		st.HandleEvent(env)
	})

	// Seed the caches so the first paint does not wait for a push.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := st.FetchBalance(ctx, false); err != nil {
		logger.Warn("initial balance fetch failed", zap.Error(err))
	}
	if _, err := st.FetchPositions(ctx, false); err != nil {
		logger.Warn("initial positions fetch failed", zap.Error(err))
	}
	cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
