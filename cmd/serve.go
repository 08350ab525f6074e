package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/photopick/photopick/internal/filter"
	"github.com/photopick/photopick/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the matching engine API server",
	Long: `Start the PhotoPick API server.
The server exposes the photo filtering, person enrollment, and event
processing endpoints, including live progress streams for running events.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

// logConsumer reports batch outcomes through the structured log. The API
// server has no push channel back to uploaders; clients poll or stream
// instead, so the report summary only needs to land in the log.
type logConsumer struct {
	logger *slog.Logger
}

func (c logConsumer) DeliverReport(userID int64, report *filter.BatchReport) {
	c.logger.Info("batch report",
		"user_id", userID,
		"total", report.Summary.Total,
		"matched", report.Summary.Matched,
		"no_faces", report.Summary.NoFaces,
		"no_match", report.Summary.NoMatch,
		"errors", report.Summary.Errors,
	)
}

func resolveHostPort(cmd *cobra.Command) (string, int) {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		host = envHost
	}
	return host, port
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(func(logger *slog.Logger) filter.Consumer {
		return logConsumer{logger: logger}
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := eng.events.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted events: %w", err)
	}
	if recovered > 0 {
		eng.logger.Warn("marked interrupted events as failed", "count", recovered)
	}

	if err := os.MkdirAll(eng.cfg.Storage.UploadDir, 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	host, port := resolveHostPort(cmd)
	server := web.NewServer(
		eng.filter, eng.events, eng.store,
		eng.cfg.Storage.UploadDir, eng.cfg.Event.MaxArchiveBytes,
		host, port, eng.logger,
	)

	// Hourly sweep drops event jobs that passed their retention window.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				purged, err := eng.events.Expire(ctx, now)
				if err != nil {
					eng.logger.Error("retention sweep failed", "error", err)
					continue
				}
				if len(purged) > 0 {
					eng.logger.Info("expired events purged", "codes", purged)
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting PhotoPick API on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	eng.events.Wait()
	return nil
}
