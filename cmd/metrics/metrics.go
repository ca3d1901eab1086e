// Package metrics contains the command which serves job metrics to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ohsu-comp-bio/molq/cmd/util"
	"github.com/ohsu-comp-bio/molq/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewCommand returns the "metrics" command.
func NewCommand(opts *util.Options) *cobra.Command {
	listen := ":9090"
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve job state metrics for prometheus.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Serve(cmd.Context(), opts, listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", listen, "Address to serve /metrics on")
	return cmd
}

// Serve publishes the registry's job state counts on addr until ctx is done.
func Serve(ctx context.Context, opts *util.Options, addr string) error {
	env, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go metrics.WatchJobStates(ctx, env.Registry, env.Conf.Metrics.UpdateRate.D())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdown)
	}()

	env.Log.Info("serving metrics", "address", addr)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
