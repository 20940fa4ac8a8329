package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jvalenc/webmta/cmd/webmta/client"
)

var (
	apiURL string
	apiKey string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the outbound queue of a running gateway",
	Long:  `Inspect and control the outbound message queue over the gateway API.`,
}

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8825", "Gateway API base URL")
	queueCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("WEBMTA_API_KEY"), "API key (defaults to WEBMTA_API_KEY)")

	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and worker state",
		Run: func(cmd *cobra.Command, args []string) {
			stats, err := client.New(apiURL, apiKey).QueueStats()
			if err != nil {
				fail(err)
			}
			state := "running"
			if stats.Paused {
				state = "paused"
			}
			fmt.Printf("Depth:     %d\n", stats.Depth)
			fmt.Printf("In flight: %d\n", stats.InFlight)
			fmt.Printf("State:     %s\n", state)
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Stop dequeuing (the in-flight message finishes)",
		Run: func(cmd *cobra.Command, args []string) {
			if err := client.New(apiURL, apiKey).PauseQueue(); err != nil {
				fail(err)
			}
			fmt.Println("Queue paused")
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Resume dequeuing",
		Run: func(cmd *cobra.Command, args []string) {
			if err := client.New(apiURL, apiKey).ResumeQueue(); err != nil {
				fail(err)
			}
			fmt.Println("Queue resumed")
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard all pending messages",
		Run: func(cmd *cobra.Command, args []string) {
			cleared, err := client.New(apiURL, apiKey).ClearQueue()
			if err != nil {
				fail(err)
			}
			fmt.Printf("Discarded %d pending message(s)\n", cleared)
		},
	})

	var attemptsLimit int
	attemptsCmd := &cobra.Command{
		Use:     "attempts",
		Aliases: []string{"list"},
		Short:   "List recent delivery attempt records",
		Run: func(cmd *cobra.Command, args []string) {
			attempts, err := client.New(apiURL, apiKey).Attempts(attemptsLimit)
			if err != nil {
				fail(err)
			}
			if len(attempts) == 0 {
				fmt.Println("No attempt records")
				return
			}
			printAttempts(attempts)
		},
	}
	attemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 50, "Maximum records to fetch")
	queueCmd.AddCommand(attemptsCmd)
}

func printAttempts(attempts []client.Attempt) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tSUBMISSION\tRECIPIENT\tSTATUS\tTRY\tERROR\tDURATION")
	for _, a := range attempts {
		errCol := a.ErrorKind
		if errCol == "" {
			errCol = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%dms\n",
			a.At, shortID(a.SubmissionID), a.Recipient, a.Status, a.Attempt, errCol, a.DurationMS)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
