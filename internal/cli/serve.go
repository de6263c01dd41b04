package cli

import (
	"context"
	"fmt"

	"github.com/ralt/resolvd/internal/config"
	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	var listen string
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background cache sweeps and auto-updates",
		Long: `Loads every enabled source, starts the periodic cache sweep and
auto-update loop, and serves the HTTP API:

  POST   /v1/execute                  resolve a content request
  GET    /v1/engines                  engine statistics
  GET    /v1/packages                 configured packages and their state
  POST   /v1/packages                 add a source
  DELETE /v1/packages/{key}           remove a source
  POST   /v1/packages/{key}/load      load (?force=true to re-download)
  POST   /v1/packages/{key}/unload    unload
  POST   /v1/packages/{key}/update    update with rollback
  GET    /v1/updates                  check every auto-update source
  GET    /v1/events                   lifecycle events over a websocket
  GET    /metrics                     Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if listen == "" {
					listen = a.settings.Listen
				}

				if err := a.forwardEvents(); err != nil {
					return fmt.Errorf("failed to connect to NATS: %w", err)
				}

				if !noWatch {
					err := config.Watch(ctx, a.configPath, func(s *config.Settings) {
						a.validator.SetTrustedDomains(s.TrustedDomains)
						logrus.Infof("Settings reloaded, %d trusted domains", len(s.TrustedDomains))
					})
					if err != nil {
						logrus.Warnf("Settings will not be reloaded: %v", err)
					}
				}

				for key, res := range a.manager.LoadEnabled(ctx) {
					if err := manager.Err(res); err != nil {
						logrus.Warnf("Failed to load %s: %v", key, err)
					}
				}
				a.manager.Start(ctx)
				a.dispatcher.Initialize()

				srv := server.New(server.Options{
					Dispatcher: a.dispatcher,
					Manager:    a.manager,
					Updater:    a.updater,
					Metrics:    a.prom.Handler(),
				})
				return srv.ListenAndServe(ctx, listen)
			})
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides the settings file)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the settings file on change")
	return cmd
}
