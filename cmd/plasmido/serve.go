package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/theam/plasmido"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the command API server",
		Long:  "Start an HTTP server exposing the plasmido commands, the engine event stream and Prometheus metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, logger, err := root.load()
			if err != nil {
				return err
			}
			if address != "" {
				conf.APIAddress = address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := plasmido.NewService(ctx, conf, logger, plasmido.ServiceDependencies{})
			if err != nil {
				return err
			}
			return serve(ctx, svc)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address; overrides PLASMIDO_API_ADDRESS")
	return cmd
}

// serve runs the API until ctx ends, then shuts the service down.
func serve(ctx context.Context, svc *plasmido.Service) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return svc.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
