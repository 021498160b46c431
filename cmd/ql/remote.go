package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"queueline/internal/server"
	queuelinesdk "queueline/sdk/go"
)

// Caches and counters live in the serving process, so these commands talk to
// a running `ql serve` instead of opening the workspace.

func remoteClient() (*queuelinesdk.Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, errNoToken
	}
	return queuelinesdk.New(viper.GetString("server"), token), nil
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{Use: "cache", Short: "Invalidate caches of a running server"}
	c.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Flush every cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remoteClient()
			if err != nil {
				return err
			}
			if err := client.FlushAllCaches(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("caches flushed")
			return nil
		},
	})

	var queueID, agentID string
	inv := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop one queue configuration or one agent's skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (queueID == "") == (agentID == "") {
				return fmt.Errorf("exactly one of --queue or --agent is required")
			}
			client, err := remoteClient()
			if err != nil {
				return err
			}
			if queueID != "" {
				if err := client.InvalidateConfigCache(cmd.Context(), queueID); err != nil {
					return err
				}
				fmt.Println("config cache invalidated for queue", queueID)
				return nil
			}
			if err := client.InvalidateSkillCache(cmd.Context(), agentID); err != nil {
				return err
			}
			fmt.Println("skill cache invalidated for agent", agentID)
			return nil
		},
	}
	inv.Flags().StringVar(&queueID, "queue", "", "queue id")
	inv.Flags().StringVar(&agentID, "agent", "", "agent id")
	c.AddCommand(inv)
	return c
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show distribution metrics of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remoteClient()
			if err != nil {
				return err
			}
			m, err := client.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(m)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Metric", "Value"})
			tw.AppendRows([]table.Row{
				{"attempts", m.Totals.Attempts},
				{"assigned", m.Totals.Assigned},
				{"overflow", m.Totals.Overflow},
				{"no agent", m.Totals.NoAgent},
				{"failed", m.Totals.Failed},
				{"reassignments", m.Totals.Reassignments},
				{"log failures", m.Totals.LogFailures},
				{"success rate", fmt.Sprintf("%.1f%%", m.SuccessRate*100)},
				{"avg latency", fmt.Sprintf("%.2fms", m.AvgLatencyMs)},
				{"cache hit rate", fmt.Sprintf("%.1f%%", m.CacheHitRate*100)},
			})
			for strategy, n := range m.ByStrategy {
				tw.AppendRow(table.Row{"strategy " + strategy, n})
			}
			tw.SortBy([]table.SortBy{{Name: "Metric", Mode: table.Asc}})
			tw.Render()
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var sub string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with QUEUELINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), sub, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
