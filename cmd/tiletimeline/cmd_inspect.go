/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

const previewWindow = 24 * time.Hour

var (
	inspectAt   string
	inspectFrom string
	inspectTo   string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show which entry of a timeline document is active and when it changes",
	Long: `Parse a timeline document and print its entries, the entry active at
an instant and the transitions over a window.

Instants are RFC 3339 timestamps or epoch milliseconds.

Examples:
  # Active entry now, transitions over the next 24 hours
  tiletimeline inspect weather.yaml

  # Evaluate at a fixed instant
  tiletimeline inspect weather.yaml --at 2026-10-19T10:00:00Z

  # Transitions over an explicit window
  tiletimeline inspect weather.yaml --from 1760860800000 --to 1760947200000
`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a timeline document parses and builds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev, err := loadRevision(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (tile %s, %d entries, %s)\n",
			args[0], rev.TileID, len(rev.Document.Entries), rev.Format)
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectAt, "at", "", "Instant to evaluate (default now)")
	inspectCmd.Flags().StringVar(&inspectFrom, "from", "", "Start of the transition window (default --at)")
	inspectCmd.Flags().StringVar(&inspectTo, "to", "", "End of the transition window (default 24h after --from)")
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(validateCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	rev, err := loadRevision(args[0])
	if err != nil {
		return err
	}
	ix, err := rev.Document.Index()
	if err != nil {
		return err
	}

	at, err := instantFlag(inspectAt, clock.System{}.NowMillis())
	if err != nil {
		return fmt.Errorf("--at: %w", err)
	}
	from, err := instantFlag(inspectFrom, at)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := instantFlag(inspectTo, from+uint64(previewWindow.Milliseconds()))
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if to <= from {
		return fmt.Errorf("--to must be after --from")
	}

	return writeInspection(cmd.OutOrStdout(), rev.TileID, ix, at, from, to)
}

func loadRevision(path string) (content.Revision, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return content.Revision{}, fmt.Errorf("read document: %w", err)
	}
	return content.NewRevision("cli", path, raw)
}

func instantFlag(raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	return content.ParseInstant(raw)
}

func writeInspection(out io.Writer, tileID string, ix *timeline.Index, at, from, to uint64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "tile\t%s\n", tileID)
	fmt.Fprintf(tw, "entries\t%d\n\n", ix.Len())

	fmt.Fprintln(tw, "INDEX\tSTART\tEND\tPAYLOAD")
	for i := 0; i < ix.Len(); i++ {
		e := ix.Entry(i)
		start, end := "-", "-"
		if e.Validity != nil {
			start = formatInstant(e.Validity.StartMillis)
			end = formatInstant(e.Validity.EndMillis)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, start, end, summarize(e.Payload))
	}

	fmt.Fprintln(tw)
	if idx, ok := ix.FindActiveEntry(at); ok {
		fmt.Fprintf(tw, "active at %s\t%d\n", formatInstant(at), idx)
	} else {
		fmt.Fprintf(tw, "active at %s\tnone\n", formatInstant(at))
	}
	fmt.Fprintf(tw, "next change\t%s\n\n", nextChange(ix, at))

	fmt.Fprintf(tw, "TRANSITIONS %s .. %s\n", formatInstant(from), formatInstant(to))
	for _, tr := range ix.Transitions(from, to) {
		entry := "none"
		if tr.Index >= 0 {
			entry = fmt.Sprintf("%d", tr.Index)
		}
		fmt.Fprintf(tw, "%s\t%s\n", formatInstant(tr.AtMillis), entry)
	}

	return tw.Flush()
}

func nextChange(ix *timeline.Index, at uint64) string {
	current, ok := ix.FindActiveEntry(at)
	if !ok {
		current, _ = ix.FindClosestEntry(at)
	}
	return formatInstant(ix.FindExpiry(current, at))
}

func formatInstant(ms uint64) string {
	if ms == timeline.Forever {
		return "forever"
	}
	return clock.ToTime(ms).UTC().Format(time.RFC3339)
}

func summarize(payload []byte) string {
	s := strings.Join(strings.Fields(string(payload)), " ")
	if len(s) > 48 {
		return s[:45] + "..."
	}
	return s
}
