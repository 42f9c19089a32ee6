package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/results"
	"github.com/seo-optimizer/pagewalker/session"
	"github.com/seo-optimizer/pagewalker/stats"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "analyze <url> [analysis_id]",
		Short: "Run one analysis session against a URL",
		Long: `Opens the URL in a headless browser, clears banners, simulates a visitor,
captures every viewport and writes analysis_results.json under the output directory.
Ctrl+C stops the session and keeps what was captured so far.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.Request{URL: args[0], Mode: mode}
			if len(args) == 2 {
				req.AnalysisID = args[1]
			}
			return a.analyze(cmd.Context(), cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "session mode: full-analysis or tracked-session (default from config)")
	return cmd
}

func (a *app) analyze(ctx context.Context, out io.Writer, req session.Request) error {
	opts := []session.Option{}
	storage, err := stats.NewStorage(a.cfg.Stats.DataDir, a.logger)
	if err != nil {
		a.logger.Warn("Run statistics disabled", zap.Error(err))
	} else {
		defer func() {
			if err := storage.Shutdown(); err != nil {
				a.logger.Warn("Failed to save run statistics", zap.Error(err))
			}
		}()
		opts = append(opts, session.WithStats(storage))
	}

	engine := session.New(a.cfg, a.logger, opts...)
	job, err := engine.Begin(req)
	if err != nil {
		return err
	}
	a.logger.Info("Starting analysis",
		zap.String("url", req.URL),
		zap.String("analysis_id", job.AnalysisID()),
		zap.String("mode", job.Mode()))

	result, err := job.Execute(ctx)
	if result != nil {
		printSummary(out, result, results.ArtifactPath(a.cfg.Session.OutputDir, result.AnalysisID))
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, "Interrupted, partial result saved.")
	}
	return err
}

func printSummary(out io.Writer, r *results.AnalysisResult, artifact string) {
	fmt.Fprintf(out, "Analysis:    %s\n", r.AnalysisID)
	fmt.Fprintf(out, "Status:      %s\n", r.Status)
	fmt.Fprintf(out, "Screenshots: %d\n", r.Progress.ScreenshotsCount)
	fmt.Fprintf(out, "Events:      %d\n", r.Progress.EventsCount)
	for _, rec := range r.Recommendations {
		fmt.Fprintf(out, "  - %s\n", rec)
	}
	fmt.Fprintf(out, "Artifact:    %s\n", artifact)
}
