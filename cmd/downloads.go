package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NamanBalaji/mediagate/internal/logger"
	"github.com/NamanBalaji/mediagate/internal/repository"
)

func newDownloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "downloads",
		Short: "Inspect the persisted downloads while the gateway is stopped",
	}
	cmd.AddCommand(newDownloadsListCmd())
	cmd.AddCommand(newDownloadsClearCmd())
	return cmd
}

func newDownloadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			defer logger.Close()

			recs, err := repo.FindAll()
			if err != nil {
				return err
			}
			sort.SliceStable(recs, func(i, j int) bool { return recs[i].StartTime.Before(recs[j].StartTime) })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tRECEIVED\tSIZE\tSTARTED\tPATH")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.State, humanize.Bytes(uint64(r.Offset)), humanize.Bytes(uint64(r.Length)),
					humanize.Time(r.StartTime), r.Path)
			}
			return w.Flush()
		},
	}
}

func newDownloadsClearCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [id...]",
		Short: "Remove finished downloads from the history, or the given ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()
			defer logger.Close()

			ids := args
			if len(ids) == 0 {
				recs, err := repo.FindAll()
				if err != nil {
					return err
				}
				for _, r := range recs {
					if all || r.State.IsTerminal() {
						ids = append(ids, r.ID)
					}
				}
			}

			for _, id := range ids {
				if err := repo.Delete(id); err != nil {
					return fmt.Errorf("failed to delete download %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d downloads\n", len(ids))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also remove interrupted downloads")
	return cmd
}

func openRepository(cmd *cobra.Command) (*repository.BoltDBRepository, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.DBPath()); err != nil {
		return nil, fmt.Errorf("no download database at %s: %w", cfg.DBPath(), err)
	}
	return repository.NewBoltDBRepository(cfg.DBPath())
}
