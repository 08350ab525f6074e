package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/photopick/photopick/internal/filter"
	"github.com/spf13/cobra"
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Manage registered people and their example photos",
}

var personCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new person for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonCreate,
}

var personListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's registered people",
	RunE:  runPersonList,
}

var personEnrollCmd = &cobra.Command{
	Use:   "enroll <person-id> <photo>...",
	Short: "Add example photos to a person's reference set",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPersonEnroll,
}

var personDeleteCmd = &cobra.Command{
	Use:   "delete <person-id>",
	Short: "Remove a person and all their examples",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonDelete,
}

func init() {
	rootCmd.AddCommand(personCmd)
	personCmd.AddCommand(personCreateCmd, personListCmd, personEnrollCmd, personDeleteCmd)

	personCreateCmd.Flags().Int64("user", 0, "Owning user ID")
	_ = personCreateCmd.MarkFlagRequired("user")
	personListCmd.Flags().Int64("user", 0, "Owning user ID")
	_ = personListCmd.MarkFlagRequired("user")
}

// nopConsumer satisfies the report sink for commands that never flush a batch.
type nopConsumer struct{}

func (nopConsumer) DeliverReport(int64, *filter.BatchReport) {}

func buildCLIEngine() (*engine, error) {
	return buildEngine(func(*slog.Logger) filter.Consumer { return nopConsumer{} })
}

func runPersonCreate(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	userID := mustGetInt64(cmd, "user")
	person, err := eng.filter.CreatePerson(context.Background(), userID, args[0])
	if err != nil {
		return fmt.Errorf("creating person: %w", err)
	}
	fmt.Printf("Created person %d (%s) for user %d\n", person.ID, person.Name, person.UserID)
	return nil
}

func runPersonList(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	userID := mustGetInt64(cmd, "user")
	people, err := eng.store.ListPeople(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing people: %w", err)
	}
	if len(people) == 0 {
		fmt.Printf("No people registered for user %d\n", userID)
		return nil
	}
	for _, p := range people {
		count, err := eng.store.CountPersonEmbeddings(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("counting examples for person %d: %w", p.ID, err)
		}
		fmt.Printf("%6d  %-30s %d examples\n", p.ID, p.Name, count)
	}
	return nil
}

func runPersonEnroll(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	var personID int64
	if _, err := fmt.Sscanf(args[0], "%d", &personID); err != nil {
		return fmt.Errorf("invalid person ID %q", args[0])
	}

	ctx := context.Background()
	for _, path := range args[1:] {
		photo, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		emb, err := eng.filter.Enroll(ctx, personID, photo)
		if err != nil {
			fmt.Printf("%s: skipped (%v)\n", path, err)
			continue
		}
		fmt.Printf("%s: enrolled as embedding %d\n", path, emb.ID)
	}
	return nil
}

func runPersonDelete(cmd *cobra.Command, args []string) error {
	eng, err := buildCLIEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	var personID int64
	if _, err := fmt.Sscanf(args[0], "%d", &personID); err != nil {
		return fmt.Errorf("invalid person ID %q", args[0])
	}
	if err := eng.filter.RemovePerson(context.Background(), personID); err != nil {
		return fmt.Errorf("deleting person: %w", err)
	}
	fmt.Printf("Deleted person %d\n", personID)
	return nil
}
