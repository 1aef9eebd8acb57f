package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		once   bool
		noHTTP bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Dispatch tasks and serve the status API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			defer svc.Close()

			if once {
				n, err := svc.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d task(s)\n", n)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return svc.Run(ctx)
			})
			if !noHTTP {
				g.Go(func() error {
					return svc.ListenAndServe(ctx)
				})
			}
			a.logger.Info("worker started", "http", !noHTTP, "addr", a.cfg.HTTP.Addr)
			err = g.Wait()
			a.logger.Info("worker stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single dispatch cycle and exit")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not serve the status API")
	return cmd
}
