package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dracoon-go/internal/config"
	"github.com/tonimelisma/dracoon-go/internal/journal"
)

// history flags.
var (
	flagHistoryLimit int
	flagHistoryPrune time.Duration
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers",
		Long: `Show the most recent uploads and downloads recorded in the transfer
journal. --prune deletes entries older than the given age instead.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	cmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().DurationVar(&flagHistoryPrune, "prune", 0, "delete entries older than this age (e.g. 720h)")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if flagHistoryLimit <= 0 {
		return errors.New("--limit must be positive")
	}

	logger := buildLogger()
	ctx := cmd.Context()

	j, err := journal.Open(ctx, config.DefaultJournalPath(), logger)
	if err != nil {
		return err
	}
	defer j.Close()

	if flagHistoryPrune > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-flagHistoryPrune))
		if err != nil {
			return err
		}

		statusf(flagQuiet, "Removed %d entries.\n", n)

		return nil
	}

	entries, err := j.Recent(ctx, flagHistoryLimit)
	if err != nil {
		return err
	}

	if flagJSON {
		return printHistoryJSON(entries)
	}

	if len(entries) == 0 {
		statusf(flagQuiet, "No transfers recorded.\n")
		return nil
	}

	printHistoryTable(entries)

	return nil
}

// historyJSONEntry is the JSON output schema for one journal entry.
type historyJSONEntry struct {
	TransferID  string `json:"transfer_id"`
	Direction   string `json:"direction"`
	Name        string `json:"name"`
	NodeID      int64  `json:"node_id,omitempty"`
	Outcome     string `json:"outcome"`
	Transferred int64  `json:"transferred"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	EndedAt     string `json:"ended_at"`
}

func printHistoryJSON(entries []journal.Entry) error {
	out := make([]historyJSONEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, historyJSONEntry{
			TransferID:  e.TransferID,
			Direction:   string(e.Direction),
			Name:        e.Name,
			NodeID:      e.NodeID,
			Outcome:     string(e.Outcome),
			Transferred: e.Transferred,
			ErrorKind:   e.ErrorKind,
			Error:       e.Error,
			StartedAt:   e.StartedAt.UTC().Format(time.RFC3339),
			EndedAt:     e.EndedAt.UTC().Format(time.RFC3339),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printHistoryTable(entries []journal.Entry) {
	headers := []string{"ENDED", "DIRECTION", "NAME", "NODE", "SIZE", "RATE", "OUTCOME"}
	rows := make([][]string, 0, len(entries))
	now := time.Now()

	for i := range entries {
		e := &entries[i]

		node := "-"
		if e.NodeID != 0 {
			node = strconv.FormatInt(e.NodeID, 10)
		}

		outcome := string(e.Outcome)
		if e.ErrorKind != "" {
			outcome = fmt.Sprintf("%s (%s)", outcome, e.ErrorKind)
		}

		rate := formatRate(e.Transferred, e.EndedAt.Sub(e.StartedAt))
		if rate == "" {
			rate = "-"
		}

		rows = append(rows, []string{
			formatEnded(e.EndedAt, now), string(e.Direction), e.Name, node, formatSize(e.Transferred), rate, outcome,
		})
	}

	printTable(os.Stdout, headers, rows)
}
