package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/report"
	"github.com/couchcryptid/weather-sync/internal/verify"
	"github.com/spf13/cobra"
)

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	var (
		resume      bool
		verifyAfter bool
		format      string
		out         string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy all entities from the source into the target",
		Long: `Migrate locations, then observations, then predictions. Rows already in the
target from an earlier run are adopted rather than written again.

With --resume and CHECKPOINT_PATH set, completed entities and cursors are
restored from the checkpoint and the run continues where it stopped.
With --verify, a verification pass runs after a successful migration.

Exit status is 1 if the migration fails or verification reports findings.`,
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

			if resume && a.checkpoint == nil {
				return errors.New("--resume requires CHECKPOINT_PATH")
			}

			w, closeOut, err := openOutput(out)
			if err != nil {
				return err
			}
			defer func() { _ = closeOut() }()

			o := a.orchestrator(resume)
			mr, runErr := o.Run(ctx)
			if mr != nil {
				if err := report.Migration(w, mr, f); err != nil {
					return fmt.Errorf("render migration report: %w", err)
				}
				pubCtx, cancel := publishContext(a.cfg.ShutdownTimeout)
				a.publishMigration(pubCtx, mr)
				cancel()
			}
			if runErr != nil {
				return runErr
			}
			if !verifyAfter {
				return nil
			}

			vr, err := a.verifier().Verify(ctx, verify.Input{
				Skipped: mr.SkippedKeys(),
				Entries: o.IdentifierMap().Entries(),
			})
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			return renderVerification(a, w, vr, f)
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the checkpoint instead of starting over")
	cmd.Flags().BoolVar(&verifyAfter, "verify", false, "verify the target after a successful migration")
	cmd.Flags().StringVar(&format, "format", string(report.FormatText), "report format: text, json or yaml")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to a file instead of stdout")

	return cmd
}

// renderVerification writes and publishes the report and turns findings into
// a non-zero exit.
func renderVerification(a *app, w io.Writer, vr *domain.VerificationReport, f report.Format) error {
	if err := report.Verification(w, vr, f); err != nil {
		return fmt.Errorf("render verification report: %w", err)
	}
	pubCtx, cancel := publishContext(a.cfg.ShutdownTimeout)
	defer cancel()
	a.publishVerification(pubCtx, vr)
	if !vr.OK() {
		return fmt.Errorf("%w: %d", errFindings, len(vr.Findings))
	}
	return nil
}
