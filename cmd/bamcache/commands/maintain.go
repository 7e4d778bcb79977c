package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *CLI) newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old or unused cache records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			unusedFor, _ := cmd.Flags().GetDuration("unused-for")
			if olderThan <= 0 && unusedFor <= 0 {
				return errors.New("one of --older-than or --unused-for is required")
			}

			total := 0
			if olderThan > 0 {
				n, err := c.cache.Prune(olderThan)
				total += n
				if err != nil {
					return err
				}
			}
			if unusedFor > 0 {
				n, err := c.cache.PruneUnused(unusedFor)
				total += n
				if err != nil {
					return err
				}
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", total)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 0, "Remove records stored longer ago than this")
	cmd.Flags().Duration("unused-for", 0, "Remove records not looked up for this long")

	return cmd
}

func (c *CLI) newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm SOURCE...",
		Short: "Remove the cache records of the given source files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, src := range args {
				removed, err := c.cache.Remove(src)
				if err != nil {
					return err
				}
				if removed {
					_, _ = fmt.Fprintf(out, "removed %s\n", src)
				} else {
					_, _ = fmt.Fprintf(out, "not cached: %s\n", src)
				}
			}
			return nil
		},
	}
}

func (c *CLI) newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate the index from the cache files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			if err := c.cache.RebuildIndex(); err != nil {
				return err
			}
			entries, err := c.cache.Entries()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entries in %s\n", len(entries), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func (c *CLI) newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache file and the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cache.Clear(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", c.cache.Root())
			return nil
		},
	}
}
