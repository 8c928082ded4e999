package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memtier"
)

func (a *app) newRememberCmd() *cobra.Command {
	var (
		tier    string
		kind    string
		tags    []string
		project string
		session string
		score   float64
	)
	cmd := &cobra.Command{
		Use:   "remember <text>",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := memtier.ParseTier(tier)
			if err != nil {
				return err
			}
			opts := []memtier.RememberOption{
				memtier.WithKind(kind),
				memtier.WithTags(tags...),
				memtier.WithProject(project),
				memtier.WithSession(session),
			}
			if cmd.Flags().Changed("score") {
				opts = append(opts, memtier.WithScoreHint(score))
			}

			text := strings.Join(args, " ")
			return a.withMemory(cmd.Context(), false, func(mem *memtier.Memory) error {
				id, err := mem.Remember(cmd.Context(), text, t, opts...)
				if err != nil {
					return err
				}
				if a.cfg.Format == "json" {
					return writeJSON(a.out, map[string]string{"id": id, "tier": t.String()})
				}
				fmt.Fprintln(a.out, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&tier, "tier", "t", "interact", "target tier")
	cmd.Flags().StringVar(&kind, "kind", "", "record kind, e.g. fact or preference")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&project, "project", "", "project scope")
	cmd.Flags().StringVar(&session, "session", "", "originating session")
	cmd.Flags().Float64Var(&score, "score", 0, "importance in [0,1]")
	return cmd
}

func (a *app) newRecallCmd() *cobra.Command {
	var (
		limit    int
		tiers    []string
		minScore float32
	)
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Find memories similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ro := memtier.RecallOptions{Limit: limit, MinScore: minScore}
			for _, s := range tiers {
				t, err := memtier.ParseTier(s)
				if err != nil {
					return err
				}
				ro.Tiers = append(ro.Tiers, t)
			}

			query := strings.Join(args, " ")
			return a.withMemory(cmd.Context(), false, func(mem *memtier.Memory) error {
				hits, err := mem.Recall(cmd.Context(), query, ro)
				if err != nil {
					return err
				}
				views := make([]recordView, len(hits))
				for i, h := range hits {
					views[i] = viewRecord(h.Record)
					views[i].Score = &hits[i].Score
				}
				return writeRecords(a.out, a.cfg.Format, views)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "restrict to tier (repeatable)")
	cmd.Flags().Float32Var(&minScore, "min-score", 0, "drop hits below this similarity")
	return cmd
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMemory(cmd.Context(), false, func(mem *memtier.Memory) error {
				rec, err := mem.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				v := viewRecord(rec)
				if a.cfg.Format == "json" {
					return writeJSON(a.out, v)
				}
				fmt.Fprintf(a.out, "id:       %s\ntier:     %s\ncreated:  %s\naccesses: %d\n\n%s\n",
					v.ID, v.Tier, v.CreatedAt.Format("2006-01-02 15:04:05"), v.AccessCount, v.Text)
				return nil
			})
		},
	}
}

func (a *app) newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>...",
		Short: "Delete memories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMemory(cmd.Context(), false, func(mem *memtier.Memory) error {
				for _, id := range args {
					if err := mem.Forget(cmd.Context(), id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show tier, cache and budget statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMemory(cmd.Context(), false, func(mem *memtier.Memory) error {
				st, err := mem.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if a.cfg.Format == "json" {
					return writeJSON(a.out, st)
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIER\tRECORDS\tINDEXED\tPENDING\tCAPACITY")
				for _, ts := range st.Tiers {
					capacity := "-"
					if ts.Capacity.Max > 0 {
						capacity = fmt.Sprintf("%.1f%% of %d", ts.Capacity.Percent, ts.Capacity.Max)
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", ts.Tier, ts.Records, ts.Indexed, ts.PendingRetries, capacity)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "\ncache: %d entries, %d bytes, hit rate %.2f\nkernel: %s\n",
					st.Cache.Entries, st.Cache.Bytes, st.Cache.HitRate(), st.ISA)
				return nil
			})
		},
	}
}

func (a *app) newPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Run one promotion cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMemory(cmd.Context(), false, func(mem *memtier.Memory) error {
				st, err := mem.RunPromotionCycle(cmd.Context())
				if err != nil {
					return err
				}
				if a.cfg.Format == "json" {
					return writeJSON(a.out, st)
				}
				fmt.Fprintf(a.out, "promoted %d, expired %d, failures %d in %s\n",
					st.TotalPromoted(), st.TotalExpired(), st.Failures, st.FinishedAt.Sub(st.StartedAt))
				return nil
			})
		},
	}
}

// newServeCmd keeps the memory open with its background loops until
// interrupted.
func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background promotion and maintenance until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.withMemory(ctx, true, func(*memtier.Memory) error {
				fmt.Fprintf(a.out, "serving %s, press Ctrl-C to stop\n", a.cfg.Dir)
				<-ctx.Done()
				return nil
			})
		},
	}
}
