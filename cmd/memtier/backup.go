package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memtier"
	"github.com/hupe1980/memtier/backup"
)

func (a *app) newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the memory to the configured target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bs, err := a.cfg.openBlobStore(ctx)
			if err != nil {
				return err
			}
			return a.withMemory(ctx, false, func(mem *memtier.Memory) error {
				m, err := mem.Backup(ctx, bs)
				if err != nil {
					return err
				}
				if a.cfg.Backup.Keep > 0 {
					if _, err := backup.Prune(ctx, bs, a.cfg.Backup.Keep, a.logger()); err != nil {
						return fmt.Errorf("pruning old backups: %w", err)
					}
				}
				return a.writeManifest(m)
			})
		},
	}
	cmd.AddCommand(a.newBackupListCmd(), a.newBackupVerifyCmd(), a.newBackupPruneCmd())
	return cmd
}

func (a *app) newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bs, err := a.cfg.openBlobStore(ctx)
			if err != nil {
				return err
			}
			all, err := backup.List(ctx, bs, a.logger())
			if err != nil {
				return err
			}
			if a.cfg.Format == "json" {
				return writeJSON(a.out, all)
			}
			current, _ := backup.Latest(ctx, bs)
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tRECORDS\tBYTES\t")
			for _, m := range all {
				marker := ""
				if m.ID == current {
					marker = "current"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.TotalRecords(), m.Bytes(), marker)
			}
			return tw.Flush()
		},
	}
}

func (a *app) newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id]",
		Short: "Check the digests of a backup (default: current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bs, err := a.cfg.openBlobStore(ctx)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			m, err := backup.Verify(ctx, bs, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "backup %s ok: %d files\n", m.ID, len(m.Files))
			return nil
		},
	}
}

func (a *app) newBackupPruneCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bs, err := a.cfg.openBlobStore(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.Backup.Keep
			}
			deleted, err := backup.Prune(ctx, bs, keep, a.logger())
			if err != nil {
				return err
			}
			for _, id := range deleted {
				fmt.Fprintln(a.out, "deleted", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "number of backups to keep (default backup.keep)")
	return cmd
}

func (a *app) newRestoreCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore a backup (default: current) into an empty directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bs, err := a.cfg.openBlobStore(ctx)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if to == "" {
				to = a.cfg.Dir
			}
			m, err := backup.Restore(ctx, bs, id, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "restored backup %s (%d records) into %s\n", m.ID, m.TotalRecords(), to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target directory (default: the memory directory)")
	return cmd
}

func (a *app) writeManifest(m backup.Manifest) error {
	if a.cfg.Format == "json" {
		return writeJSON(a.out, m)
	}
	fmt.Fprintf(a.out, "backup %s: %d files, %d bytes, %d records\n", m.ID, len(m.Files), m.Bytes(), m.TotalRecords())
	return nil
}

func (a *app) logger() *slog.Logger {
	level, err := parseLevel(a.cfg.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}
	return memtier.NewTextLogger(level).Logger
}
