package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatdesk/internal/db"
	"github.com/stupiduntilnot/chatdesk/internal/history"
)

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history <user_id>",
		Short: "Print the most recent turns of a user's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("invalid --limit=%d (must be >= 1)", limit)
			}
			database, err := db.OpenReadOnly(c.inspectDBPath())
			if err != nil {
				return err
			}
			defer database.Close()

			turns, err := history.NewSQLiteStore(database).Recent(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printTurnsJSON(cmd.OutOrStdout(), turns)
			}
			printTurns(cmd.OutOrStdout(), turns)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of turns to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	return cmd
}

func printTurns(w io.Writer, turns []history.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(w, "(no turns)")
		return
	}
	for _, t := range turns {
		fmt.Fprintf(w, "%s  %-9s  %s\n", t.CreatedAt.UTC().Format("2006-01-02 15:04:05"), t.Role, t.Content)
	}
}

type jsonTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

func printTurnsJSON(w io.Writer, turns []history.Turn) error {
	out := make([]jsonTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, jsonTurn{Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt.Unix()})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
