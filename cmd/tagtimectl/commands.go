package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tagtime/internal/config"
	"tagtime/internal/session"
	"tagtime/internal/status"
)

const stampLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func relative(t time.Time, now time.Time) string {
	d := t.Sub(now)
	if d >= 0 {
		return "in " + session.FormatHMS(d)
	}
	return session.FormatHMS(-d) + " ago"
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's schedule, pending ping and graphs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			writeStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
}

func writeStatus(out io.Writer, st session.Status, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", st.User)
	fmt.Fprintf(w, "Key:\t%s\n", st.KeyOrigin)
	fmt.Fprintf(w, "Average gap:\t%s (misfire policy %s)\n", st.AverageGap, st.Misfire)
	fmt.Fprintf(w, "Next ping:\t%s (%s)\n", st.NextPing.Local().Format(stampLayout), relative(st.NextPing, now))
	fmt.Fprintf(w, "Last ping:\t%s (%s)\n", st.LastPing.Local().Format(stampLayout), relative(st.LastPing, now))
	if st.LastLogged != nil {
		fmt.Fprintf(w, "Last logged:\t%s\n", st.LastLogged.Local().Format(stampLayout))
	}
	if st.Pending != nil {
		fmt.Fprintf(w, "Pending:\t%s, answer within %s\n",
			st.Pending.Time.Local().Format(stampLayout), session.FormatHMS(st.Pending.Deadline.Sub(now)))
	} else {
		fmt.Fprintf(w, "Pending:\tnone\n")
	}
	switch {
	case !st.Beeminder:
		fmt.Fprintf(w, "Beeminder:\tnot configured\n")
	case st.Breaker != "":
		fmt.Fprintf(w, "Beeminder:\tconfigured (breaker %s)\n", st.Breaker)
	default:
		fmt.Fprintf(w, "Beeminder:\tconfigured\n")
	}
	if st.LastSubmit != nil {
		fmt.Fprintf(w, "Last submit:\t%s\n", st.LastSubmit.Local().Format(stampLayout))
	}
	w.Flush()

	if len(st.Graphs) > 0 {
		fmt.Fprintln(out)
		writeGraphs(out, st.Graphs)
	}
}

func writeGraphs(out io.Writer, graphs []session.GraphStatus) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GRAPH\tTAGS\tNEXT FETCH\tLAST PASS")
	for _, gs := range graphs {
		tags := strings.Join(gs.Accept, " ")
		for _, r := range gs.Reject {
			tags += " -" + r
		}
		fetch := "bookmark"
		if gs.Resync || gs.BookmarkID == "" {
			fetch = "full"
		}
		last := "never"
		if gs.LastPassAt != nil {
			last = gs.LastPassAt.Local().Format(stampLayout)
			if gs.LastPassErr != "" {
				last += " (failed)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", gs.Graph, strings.TrimSpace(tags), fetch, last)
	}
	w.Flush()
}

func nextCmd(g *globals) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "List upcoming pings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			next, err := c.NextPings(cmd.Context(), n)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), next)
			}
			now := time.Now()
			for _, t := range next {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", t.Local().Format(stampLayout), relative(t, now))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of pings")
	return cmd
}

func pendingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show the ping waiting for an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			p, err := c.Pending(cmd.Context())
			if errors.Is(err, status.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "No ping is waiting.")
				return nil
			}
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ping at %s is waiting, answer within %s.\n",
				p.Time.Local().Format(stampLayout), session.FormatHMS(time.Until(p.Deadline)))
			return nil
		},
	}
}

func answerCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "answer TAG...",
		Short: "Tag the pending ping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.Answer(cmd.Context(), strings.Join(args, " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged: %s\n", strings.Join(args, " "))
			return nil
		},
	}
}

func submitCmd(g *globals) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Push logged hours to Beeminder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			resp, err := c.Submit(cmd.Context(), wait)
			if g.jsonOut && (err == nil || len(resp.Passes) > 0) {
				if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
					return perr
				}
				return err
			}
			out := cmd.OutOrStdout()
			if !wait && err == nil {
				if resp.Queued {
					fmt.Fprintln(out, "Submit queued.")
				} else {
					fmt.Fprintln(out, "A submit is already queued.")
				}
				return nil
			}
			for _, p := range resp.Passes {
				if p.Error != "" {
					fmt.Fprintf(out, "%s: %s\n", p.Graph, p.Error)
					continue
				}
				kind := "bookmark"
				if p.Full {
					kind = "full"
				}
				fmt.Fprintf(out, "%s: %d created, %d updated, %d deleted (%s fetch)\n",
					p.Graph, p.Created, p.Updated, p.Deleted, kind)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the submit and report each graph")
	return cmd
}

func historyCmd(g *globals) *cobra.Command {
	var (
		graph string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reconciliation passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			passes, err := c.Passes(cmd.Context(), graph, limit)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), passes)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tGRAPH\tFETCH\tCREATED\tUPDATED\tDELETED\tRESULT")
			for _, p := range passes {
				fetch := "bookmark"
				if p.Full {
					fetch = "full"
				}
				result := "ok"
				if p.Failed() {
					result = p.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					p.Started.Local().Format(stampLayout), p.Graph, fetch, p.Created, p.Updated, p.Deleted, result)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&graph, "graph", "g", "", "only this graph")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of passes")
	return cmd
}

func tagsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Show the most used tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			counts, err := c.Tags(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), counts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, tc := range counts {
				fmt.Fprintf(w, "%s\t%d\n", tc.Tag, tc.Count)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 30, "number of tags")
	return cmd
}

func graphsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "graphs",
		Short: "Show configured graphs and their sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), st.Graphs)
			}
			if len(st.Graphs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No graphs configured.")
				return nil
			}
			writeGraphs(cmd.OutOrStdout(), st.Graphs)
			return nil
		},
	}
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, _ := g.loadConfig()
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := g.loadConfig()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := cfg.Validate(); err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", e.Field, e.Message)
					}
				}
				return fmt.Errorf("%s is invalid", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	})
	return cmd
}
