package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dynbot/internal/bilibili"
	"dynbot/internal/delivery"
	logx "dynbot/pkg/logx"
)

var (
	parseUID   int64
	parseSince int64
	parseTZ    string
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Render a saved space_history response the way the bot would post it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		loc := time.Local
		if tz := strings.TrimSpace(parseTZ); tz != "" {
			if loc, err = time.LoadLocation(tz); err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
		}

		client := bilibili.New(bilibili.Options{Logger: logx.NewConsole("WARN")})
		recs, err := client.ParseHistoryPage(body, parseUID, parseSince)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		// Newest first upstream; print in posting order.
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			fmt.Fprintf(out, "# %s\n%s\n", rec, delivery.RecordText(rec, loc))
			for _, img := range rec.Images {
				fmt.Fprintf(out, "  image: %s\n", img)
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%d record(s)\n", len(recs))
		return nil
	},
}

func init() {
	parseCmd.Flags().Int64Var(&parseUID, "uid", 0, "creator uid, used only in log fields")
	parseCmd.Flags().Int64Var(&parseSince, "since", 0, "skip records posted at or before this unix time")
	parseCmd.Flags().StringVar(&parseTZ, "tz", "", "IANA timezone for timestamps (default local)")
}
