package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mat-shur/picpool/internal/app"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run discovery, market watchers and the HTTP API",
	Long: `Start the discovery loop, watch the listings named in market.watch and
serve the REST API, Prometheus metrics and the websocket event stream.

Examples:
  picpool serve
  picpool serve --addr :9090 --config picpool.yml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, log, err := setup(ctx)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	a, err := app.New(ctx, cfg, log, app.Options{WithHub: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.CheckChain(ctx); err != nil {
		log.WithError(err).Warn("chain check failed")
	}
	if err := a.StartDiscovery(ctx); err != nil {
		return err
	}
	a.WatchConfigured()

	srv := a.Server()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer stop()
	return srv.Stop(shutdownCtx)
}
