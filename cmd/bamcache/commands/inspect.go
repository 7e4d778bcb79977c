package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gophersatwork/bamcache"
)

// entryView is the yaml rendering of an index entry.
type entryView struct {
	Source     string          `yaml:"source"`
	File       string          `yaml:"file"`
	Size       int64           `yaml:"size"`
	Recorded   time.Time       `yaml:"recorded"`
	Accessed   time.Time       `yaml:"accessed"`
	Dependents []dependentView `yaml:"dependents,omitempty"`
}

type dependentView struct {
	Path      string `yaml:"path"`
	Timestamp int64  `yaml:"timestamp"`
	Size      int64  `yaml:"size"`
}

func (c *CLI) newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the indexed cache records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, _ := cmd.Flags().GetString("output")
			switch output {
			case "table":
				return c.cache.ListIndex(cmd.OutOrStdout())
			case "yaml":
				entries, err := c.cache.Entries()
				if err != nil {
					return err
				}
				return writeEntriesYAML(cmd.OutOrStdout(), entries)
			default:
				return fmt.Errorf("unknown output format %q (want table or yaml)", output)
			}
		},
	}

	cmd.Flags().StringP("output", "o", "table", "Output format: table or yaml")

	return cmd
}

func writeEntriesYAML(w io.Writer, entries []bamcache.Entry) error {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{
			Source:   e.Source,
			File:     e.CacheFilename,
			Size:     e.Size,
			Recorded: e.RecordedTime.UTC(),
			Accessed: e.AccessTime.UTC(),
		}
		for _, d := range e.DependentFiles {
			v.Dependents = append(v.Dependents, dependentView{Path: d.Pathname, Timestamp: d.Timestamp, Size: d.Size})
		}
		views = append(views, v)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}
	return enc.Close()
}

func (c *CLI) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := c.cache.Stats()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "root:\t%s\n", c.cache.Root())
			_, _ = fmt.Fprintf(tw, "entries:\t%d\n", stats.Entries)
			_, _ = fmt.Fprintf(tw, "size:\t%d bytes (limit %d KB)\n", stats.TotalSize, c.cache.MaxKBytes())
			_, _ = fmt.Fprintf(tw, "oldest:\t%s\n", stats.OldestEntry)
			_, _ = fmt.Fprintf(tw, "newest:\t%s\n", stats.NewestEntry)
			_, _ = fmt.Fprintf(tw, "generation:\t%d\n", stats.Generation)
			return tw.Flush()
		},
	}
}
