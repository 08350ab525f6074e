package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/photopick/photopick/internal/archive"
	"github.com/photopick/photopick/internal/storage"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Run and inspect bulk event archive jobs",
}

var eventStartCmd = &cobra.Command{
	Use:   "start <archive.zip>",
	Short: "Process an event archive against the participants' people",
	Long: `Start an event job from a zip archive of photos. Every image is
matched against the registered people of every participant, and each
participant gets their own result set under the printed event code.`,
	Args: cobra.ExactArgs(1),
	RunE: runEventStart,
}

var eventStatusCmd = &cobra.Command{
	Use:   "status <code>",
	Short: "Show the state of an event job",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventStatus,
}

var eventMatchesCmd = &cobra.Command{
	Use:   "matches <code>",
	Short: "List one participant's matched images for an event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventMatches,
}

var eventExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Purge event jobs past their retention window",
	RunE:  runEventExpire,
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventStartCmd, eventStatusCmd, eventMatchesCmd, eventExpireCmd)

	eventStartCmd.Flags().Int64("user", 0, "Creator user ID")
	_ = eventStartCmd.MarkFlagRequired("user")
	eventStartCmd.Flags().Int64Slice("participants", nil, "Participant user IDs (comma separated)")
	_ = eventStartCmd.MarkFlagRequired("participants")

	eventMatchesCmd.Flags().Int64("participant", 0, "Participant user ID")
	_ = eventMatchesCmd.MarkFlagRequired("participant")
}

func runEventStart(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	creatorID := mustGetInt64(cmd, "user")
	participants := mustGetInt64Slice(cmd, "participants")

	if err := archive.Validate(args[0], eng.cfg.Event.MaxArchiveBytes); err != nil {
		return fmt.Errorf("archive rejected: %w", err)
	}

	job, err := eng.events.Start(ctx, creatorID, args[0], participants)
	if err != nil {
		return fmt.Errorf("starting event: %w", err)
	}
	fmt.Printf("Event %s started for %d participants\n", job.Code, len(participants))

	sub := eng.events.Subscribe(job.Code)
	defer eng.events.Unsubscribe(job.Code, sub)

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Matching faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	for p := range sub {
		if p.Total > 0 {
			bar.ChangeMax(p.Total)
			_ = bar.Set(p.Processed)
		}
		if p.Status == storage.EventDone || p.Status == storage.EventFailed {
			_ = bar.Finish()
			fmt.Println()
			break
		}
	}
	eng.events.Wait()

	final, err := eng.events.Status(ctx, job.Code)
	if err != nil {
		return fmt.Errorf("reading final status: %w", err)
	}
	if final.Status == storage.EventFailed {
		return fmt.Errorf("event %s failed: %s", final.Code, final.FailureReason)
	}
	fmt.Printf("Event %s done: %d images processed, %d failed\n",
		final.Code, final.ProcessedImages, final.FailedImages)
	fmt.Printf("Results expire %s\n", final.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runEventStatus(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	job, err := eng.events.Status(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("looking up event: %w", err)
	}
	fmt.Printf("Event %s: %s (%d%%)\n", job.Code, job.Status, job.Progress)
	fmt.Printf("  images: %d total, %d processed, %d failed\n",
		job.TotalImages, job.ProcessedImages, job.FailedImages)
	if job.FailureReason != "" {
		fmt.Printf("  failure: %s\n", job.FailureReason)
	}
	if job.ReadyAt != nil {
		fmt.Printf("  ready at: %s\n", job.ReadyAt.Format(time.RFC3339))
	}
	fmt.Printf("  expires at: %s\n", job.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runEventMatches(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	participantID := mustGetInt64(cmd, "participant")

	job, err := eng.events.Status(ctx, args[0])
	if err != nil {
		return fmt.Errorf("looking up event: %w", err)
	}
	matches, err := eng.store.ListMatches(ctx, job.ID, participantID)
	if err != nil {
		return fmt.Errorf("listing matches: %w", err)
	}
	if len(matches) == 0 {
		fmt.Printf("No matches for participant %d in event %s\n", participantID, job.Code)
		return nil
	}
	for _, m := range matches {
		fmt.Printf("%-40s person %d (%.0f%% confidence)\n", m.ImageRef, m.PersonID, m.Confidence*100)
	}
	return nil
}

func runEventExpire(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	purged, err := eng.events.Expire(context.Background(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("purging expired events: %w", err)
	}
	if len(purged) == 0 {
		fmt.Println("Nothing to purge")
		return nil
	}
	for _, code := range purged {
		fmt.Printf("Purged %s\n", code)
	}
	return nil
}
