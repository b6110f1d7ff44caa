package commands

import (
	"fmt"
	"time"

	"github.com/roasbeef/lattice/internal/reminder"
	"github.com/spf13/cobra"
)

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Inspect persistent reminders",
}

var remindersListCmd = &cobra.Command{
	Use:   "list [actor-id]",
	Short: "List registered reminders",
	Long: `List every reminder in the database, or only those owned by
one actor instance. Reads the database directly, so this works whether
or not the daemon is running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRemindersList,
}

func init() {
	remindersCmd.AddCommand(remindersListCmd)
}

// runRemindersList prints the reminder table.
func runRemindersList(cmd *cobra.Command, args []string) error {
	store, err := openDB()
	if err != nil {
		return err
	}
	defer store.Close()

	reminders := reminder.NewStore(store)
	ctx := cmd.Context()

	var rows []*reminder.Reminder
	if len(args) == 1 {
		rows, err = reminders.List(ctx, args[0])
	} else {
		rows, err = reminders.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No reminders.")
		return nil
	}

	for _, r := range rows {
		period := "one-shot"
		r.Period.WhenSome(func(p time.Duration) {
			period = p.String()
		})

		fmt.Printf("%s:%s %q  next=%s period=%s\n",
			r.ActorType, r.ActorID, r.Name,
			r.NextFireTime.Format(time.RFC3339), period)
	}

	return nil
}
