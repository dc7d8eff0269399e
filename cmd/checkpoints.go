package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tender-monitor/internal/checkpoint"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect run checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpointed runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		infos, err := listCheckpoints(ctx, backend)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(os.Stderr, "No checkpoints found.")
			return nil
		}

		formatCheckpoints(os.Stdout, infos)
		return nil
	},
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

// checkpointInfo is one row of the checkpoint listing.
type checkpointInfo struct {
	checkpoint.Metadata
	Entries int
}

// listCheckpoints loads the metadata of every run, newest first, with the
// number of classified entries each holds. Runs without metadata are skipped.
func listCheckpoints(ctx context.Context, backend checkpoint.Backend) ([]checkpointInfo, error) {
	runs, err := backend.Runs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoints list")
	}

	var out []checkpointInfo
	for i := len(runs) - 1; i >= 0; i-- {
		st, err := backend.Open(ctx, runs[i])
		if err != nil {
			return nil, err
		}
		cache := checkpoint.NewPipelineCache(st, runs[i])
		meta, ok, err := cache.Metadata(ctx)
		if err != nil || !ok {
			st.Close() //nolint:errcheck
			if err != nil {
				return nil, err
			}
			continue
		}
		entries, err := cache.ClassifiedCount(ctx)
		st.Close() //nolint:errcheck
		if err != nil {
			return nil, err
		}
		out = append(out, checkpointInfo{Metadata: *meta, Entries: entries})
	}
	return out, nil
}

func formatCheckpoints(out io.Writer, infos []checkpointInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTAGE\tRESUMABLE\tCONFIG\tUPDATED\tENTRIES\tCOUNTS")
	_, _ = fmt.Fprintln(w, "---\t-----\t---------\t------\t-------\t-------\t------")

	for _, m := range infos {
		resumable := ""
		if m.Resumable() {
			resumable = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			m.RunName,
			m.Stage,
			resumable,
			m.ConfigHash,
			m.UpdatedAt.Format("2006-01-02 15:04"),
			m.Entries,
			formatCounts(m.Counts),
		)
	}
	_ = w.Flush()
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
