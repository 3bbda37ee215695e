package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/franksops/docferry/engine"
	"github.com/franksops/docferry/transfer"
	"github.com/franksops/docferry/ui"
)

// runFlags are shared by the export, copy and import commands.
type runFlags struct {
	batchSize int
	tui       bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "records per batch (default from config)")
	cmd.Flags().BoolVar(&f.tui, "tui", true, "show progress in a terminal UI (disable for headless operation)")
}

func newExportCmd(a *app) *cobra.Command {
	var (
		flags runFlags
		src   engine.Endpoint
	)
	cmd := &cobra.Command{
		Use:   "export",
		Args:  cobra.NoArgs,
		Short: "Export every collection of a database into a zip archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := a.newJob(engine.ModeExport, flags.batchSize)
			job.Source = src
			return a.runJob(cmd, job, flags.tui)
		},
	}
	cmd.Flags().StringVar(&src.URI, "uri", "", "source connection string")
	cmd.Flags().StringVar(&src.Database, "db", "", "source database")
	cmd.MarkFlagRequired("uri")
	cmd.MarkFlagRequired("db")
	flags.register(cmd)
	return cmd
}

func newCopyCmd(a *app) *cobra.Command {
	var (
		flags    runFlags
		src, dst engine.Endpoint
	)
	cmd := &cobra.Command{
		Use:   "copy",
		Args:  cobra.NoArgs,
		Short: "Copy every collection from one database to another, replacing the destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := a.newJob(engine.ModeCopy, flags.batchSize)
			job.Source = src
			job.Destination = &dst
			return a.runJob(cmd, job, flags.tui)
		},
	}
	cmd.Flags().StringVar(&src.URI, "src-uri", "", "source connection string")
	cmd.Flags().StringVar(&src.Database, "src-db", "", "source database")
	cmd.Flags().StringVar(&dst.URI, "dst-uri", "", "destination connection string")
	cmd.Flags().StringVar(&dst.Database, "dst-db", "", "destination database")
	for _, name := range []string{"src-uri", "src-db", "dst-uri", "dst-db"} {
		cmd.MarkFlagRequired(name)
	}
	flags.register(cmd)
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var (
		flags runFlags
		dst   engine.Endpoint
		file  string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Args:  cobra.NoArgs,
		Short: "Import an export archive, replacing the collections it contains",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := a.newJob(engine.ModeImport, flags.batchSize)
			job.Destination = &dst
			job.ImportFile = file
			return a.runJob(cmd, job, flags.tui)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "zip archive to import")
	cmd.Flags().StringVar(&dst.URI, "uri", "", "destination connection string")
	cmd.Flags().StringVar(&dst.Database, "db", "", "destination database")
	for _, name := range []string{"file", "uri", "db"} {
		cmd.MarkFlagRequired(name)
	}
	flags.register(cmd)
	return cmd
}

func (a *app) newJob(mode engine.Mode, batchSize int) *engine.TransferJob {
	return &engine.TransferJob{
		ID:        uuid.NewString(),
		Mode:      mode,
		BatchSize: a.cfg.Transfer.BatchSize(batchSize),
	}
}

// runJob runs one job in the foreground. Artifacts are kept; nothing is
// scheduled for cleanup.
func (a *app) runJob(cmd *cobra.Command, job *engine.TransferJob, tui bool) error {
	if err := job.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if !tui {
		orch, err := a.orchestrator(ctx, transfer.LogSender{Logger: a.logger}, st, nil)
		if err != nil {
			return err
		}
		res, err := orch.Run(ctx, job)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	}

	// Log lines would tear the alternate screen.
	if a.cfg.Logger.Output != "file" {
		a.logger.SetOutput(io.Discard)
	}

	program := tea.NewProgram(ui.NewTUIModel(nil), tea.WithAltScreen(), tea.WithContext(ctx))
	sink := ui.NewSink(program)

	orch, err := a.orchestrator(ctx, sink, st, nil)
	if err != nil {
		return err
	}

	type outcome struct {
		res *transfer.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := orch.Run(ctx, job)
		done <- outcome{res, err}
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		stop()
		<-done
		return fmt.Errorf("terminal UI failed: %w", err)
	}

	// Quitting the UI early cancels the job.
	stop()
	out := <-done
	if out.err != nil {
		return out.err
	}
	printResult(cmd.OutOrStdout(), out.res)
	return nil
}

func printResult(w io.Writer, res *transfer.Result) {
	fmt.Fprintf(w, "Job %s: %d collections, %d documents\n", res.JobID, len(res.Collections), res.TotalDocs())
	for _, c := range res.Collections {
		line := fmt.Sprintf("  %-30s %d", c.Name, c.Docs)
		if c.Skipped > 0 {
			line += fmt.Sprintf(" (%d malformed lines skipped)", c.Skipped)
		}
		fmt.Fprintln(w, line)
	}
	if res.Archive != "" {
		fmt.Fprintf(w, "Archive: %s\n", res.Archive)
	}
	if res.RemoteURL != "" {
		fmt.Fprintf(w, "Published: %s\n", res.RemoteURL)
	}
}
