package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/recommend"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect or replay the batch event journal",
	}
	cmd.PersistentFlags().String("journal", "", "journal path (default: bus.event_log from config)")
	cmd.PersistentFlags().Duration("since", 0, "only events newer than this (e.g. 1h); 0 reads everything")
	cmd.PersistentFlags().Int("limit", 0, "maximum number of events, 0 = no limit")
	cmd.AddCommand(eventsListCmd(), eventsReplayCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print journaled batch events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, _, _, err := readJournalFlags(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return printEvents(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print raw journal lines")
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-publish journaled events to the configured bus",
		Long: `Re-publish journaled events, in order, to the bus configured under "bus".
The journal itself is not appended to during a replay.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, cfg, log, err := readJournalFlags(cmd)
			if err != nil {
				return err
			}
			if cfg.Bus.Type == "none" {
				return fmt.Errorf("bus type is none; nothing to replay to")
			}

			target := cfg.Bus
			target.EventLog = ""
			b, err := bus.NewBus(target, log)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := bus.Replay(cmd.Context(), entries, b)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d of %d events to %s bus\n", n, len(entries), target.Type)
			return err
		},
	}
}

func readJournalFlags(cmd *cobra.Command) ([]bus.LoggedEvent, *config.Config, *logger.Logger, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	path, _ := cmd.Flags().GetString("journal")
	if path == "" {
		path = cfg.Bus.EventLog
	}
	if path == "" {
		return nil, nil, nil, fmt.Errorf("no journal configured; pass --journal or set bus.event_log")
	}

	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	var from time.Time
	if since > 0 {
		from = time.Now().Add(-since)
	}

	entries, err := bus.ReadJournal(path, from, limit)
	if err != nil {
		return nil, nil, nil, err
	}
	return entries, cfg, log, nil
}

func printEvents(w io.Writer, entries []bus.LoggedEvent, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	for _, e := range entries {
		if e.Topic != bus.TopicBatchScored {
			fmt.Fprintf(w, "%s  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Topic, e.Event.ID)
			continue
		}
		b, err := recommend.DecodeBatchScored(e.Event)
		if err != nil {
			fmt.Fprintf(w, "%s  %s  %s  (undecodable: %v)\n", e.Timestamp.Format(time.RFC3339), e.Topic, e.Event.ID, err)
			continue
		}
		fmt.Fprintf(w, "%s  batch=%d size=%d served=%d failed=%d assembly=%.2fms scoring=%.2fms\n",
			e.Timestamp.Format(time.RFC3339), b.BatchID, b.Size, b.Served, b.Failed, b.AssemblyMs, b.ScoringMs)
	}
	fmt.Fprintf(w, "%d events\n", len(entries))
	return nil
}
