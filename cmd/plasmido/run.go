package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/theam/plasmido"
)

type runOptions struct {
	timeout time.Duration
	withAPI bool
	address string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <workbook.yaml>",
		Short: "Run a workbook file",
		Long: `Seed the catalog with the brokers, registries, environments and users of a
workbook file, run the workbook and print a summary once every artifact
stopped. Interrupting the command stops the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkbook(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Stop the run after this long (0 waits for the artifacts)")
	cmd.Flags().BoolVar(&opts.withAPI, "serve", false, "Expose the command API while the workbook runs")
	cmd.Flags().StringVar(&opts.address, "address", "", "Listen address used with --serve; overrides PLASMIDO_API_ADDRESS")
	return cmd
}

func runWorkbook(cmd *cobra.Command, root *rootOptions, opts *runOptions, path string) error {
	file, err := plasmido.LoadWorkbookFile(path)
	if err != nil {
		return err
	}
	conf, logger, err := root.load()
	if err != nil {
		return err
	}
	if opts.address != "" {
		conf.APIAddress = opts.address
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	svc, err := plasmido.NewService(ctx, conf, logger, plasmido.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down", err, nil)
		}
	}()

	wb, err := svc.Seed(ctx, file)
	if err != nil {
		return err
	}

	var results []plasmido.TaskResult
	if opts.withAPI {
		g, gctx := errgroup.WithContext(ctx)
		apiCtx, stopAPI := context.WithCancel(gctx)
		g.Go(func() error {
			return svc.Start(apiCtx)
		})
		g.Go(func() error {
			defer stopAPI()
			var runErr error
			results, runErr = svc.RunWorkbook(gctx, wb)
			return runErr
		})
		err = g.Wait()
	} else {
		results, err = svc.RunWorkbook(ctx, wb)
	}
	if err != nil {
		return err
	}

	if err := printResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	var failed []error
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, fmt.Errorf("artifact %s: %w", r.ArtifactUUID, r.Err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d task(s) failed: %w", len(failed), errors.Join(failed...))
	}
	return nil
}

func printResults(w io.Writer, results []plasmido.TaskResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tKIND\tSENT\tCONSUMED\tERROR")
	for _, r := range results {
		errText := "-"
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.ArtifactUUID, r.Kind, r.Sent, r.Consumed, errText)
	}
	return tw.Flush()
}
