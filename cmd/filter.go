package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/photopick/photopick/internal/filter"
	"github.com/spf13/cobra"
)

var filterCmd = &cobra.Command{
	Use:   "filter <photo>...",
	Short: "Filter photos against a user's registered people",
	Long: `Submit photos to the matching pipeline as one burst and print the
batch report: which photos contained a registered person, which had no
faces, and which matched nobody.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFilter,
}

func init() {
	rootCmd.AddCommand(filterCmd)

	filterCmd.Flags().Int64("user", 0, "User whose people to match against")
	_ = filterCmd.MarkFlagRequired("user")
	filterCmd.Flags().Duration("wait", 2*time.Minute, "How long to wait for the batch to flush")
}

// channelConsumer hands the report to the waiting command goroutine.
type channelConsumer struct {
	reports chan *filter.BatchReport
}

func (c channelConsumer) DeliverReport(userID int64, report *filter.BatchReport) {
	c.reports <- report
}

func runFilter(cmd *cobra.Command, args []string) error {
	consumer := channelConsumer{reports: make(chan *filter.BatchReport, 1)}
	eng, err := buildEngine(func(*slog.Logger) filter.Consumer { return consumer })
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	userID := mustGetInt64(cmd, "user")
	wait := mustGetDuration(cmd, "wait")

	// token -> file path, so the report can be printed with real names
	names := make(map[string]string, len(args))
	for _, path := range args {
		photo, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		token, err := eng.filter.SubmitPhoto(ctx, userID, photo)
		if err != nil {
			return fmt.Errorf("submitting %s: %w", path, err)
		}
		names[token] = filepath.Base(path)
	}
	fmt.Printf("Submitted %d photos, waiting for batch to flush...\n", len(args))

	select {
	case report := <-consumer.reports:
		printReport(report, names)
	case <-time.After(wait):
		return fmt.Errorf("no batch report after %s", wait)
	}
	return nil
}

func printReport(report *filter.BatchReport, names map[string]string) {
	for _, o := range report.Outcomes {
		name := names[o.Token]
		if name == "" {
			name = o.Token
		}
		switch o.Status {
		case filter.OutcomeMatched:
			for _, m := range o.Matches {
				fmt.Printf("%-30s matched person %d (%.0f%% confidence)\n", name, m.PersonID, m.Confidence*100)
			}
		case filter.OutcomeNoFaces:
			fmt.Printf("%-30s no faces detected\n", name)
		case filter.OutcomeNoMatch:
			fmt.Printf("%-30s faces found, nobody matched\n", name)
		case filter.OutcomeError:
			fmt.Printf("%-30s failed: %s\n", name, o.Error)
		}
	}
	s := report.Summary
	fmt.Printf("\n%d photos: %d matched, %d without faces, %d unmatched, %d failed\n",
		s.Total, s.Matched, s.NoFaces, s.NoMatch, s.Errors)
}
