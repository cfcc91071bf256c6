package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	eventsJSON  bool
	eventsToken int64
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recorded events",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		defer store.Close()

		events, err := store.ListEvents(context.Background(), eventsToken, eventsLimit)
		if err != nil {
			fatal("listing events", err)
		}

		if eventsJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(events); err != nil {
				fatal("encoding JSON", err)
			}
			return
		}

		for _, e := range events {
			fmt.Printf("%s\t%d\t%s\tx%d\t%s\n",
				e.OccurredAt.Format(time.RFC3339), e.TokenID, e.Kind, e.RawCount, e.Details)
		}
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Output in JSON format")
	eventsCmd.Flags().Int64Var(&eventsToken, "token", 0, "Only events for this token id")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events")
}
