package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/weather-sync/internal/report"
	"github.com/spf13/cobra"
)

// newVerifyCmd creates the verify subcommand.
func newVerifyCmd() *cobra.Command {
	var (
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare the target against the source without writing",
		Long: `Reconcile counts, identifier coverage and document fields between the two
stores. When CHECKPOINT_PATH is set, skipped rows and the identifier map of
the last migration are read from it; otherwise only counts and fields are
checked.

Exit status is 1 if either store is unreachable or any finding is reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			in, err := a.verifyInput(ctx)
			if err != nil {
				return err
			}

			w, closeOut, err := openOutput(out)
			if err != nil {
				return err
			}
			defer func() { _ = closeOut() }()

			vr, err := a.verifier().Verify(ctx, in)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			return renderVerification(a, w, vr, f)
		},
	}

	cmd.Flags().StringVar(&format, "format", string(report.FormatText), "report format: text, json or yaml")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to a file instead of stdout")

	return cmd
}
