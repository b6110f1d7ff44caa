package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// deadLetterEntry mirrors the daemon's /v1/deadletters row shape.
type deadLetterEntry struct {
	ActorType  string    `json:"actorType"`
	ActorID    string    `json:"actorId"`
	Method     string    `json:"method"`
	MessageID  string    `json:"messageId"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Dump the daemon's dead letter queue",
	RunE:  runDeadLetters,
}

// runDeadLetters fetches and prints the captured failures.
func runDeadLetters(cmd *cobra.Command, args []string) error {
	var entries []deadLetterEntry
	if err := adminGet("/v1/deadletters", nil, &entries); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("Dead letter queue is empty.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  %s.%s retries=%d  %s\n",
			e.EnqueuedAt.Format(time.RFC3339), e.ActorID,
			e.Method, e.RetryCount, e.Error)
	}

	return nil
}
