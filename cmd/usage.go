package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

var (
	usageServerFlag string
	groupByFlag     string
	sinceFlag       string
	agentFilterFlag string

	usageCmd = &cobra.Command{
		Use:   "usage",
		Short: "Query usage data from a running agent",
		Long:  longUsage,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	usageSummaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Print totals across all recorded usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printUsage("/usage/summary", nil)
		},
	}

	usageListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded usage events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printUsage("/usage", usageQuery())
		},
	}

	usageAggregateCmd = &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate usage by agent, consumer, day or week",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := usageQuery()
			q.Set("group_by", groupByFlag)
			return printUsage("/usage/aggregate", q)
		},
	}

	usageStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show metering store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printUsage("/usage/stats", nil)
		},
	}
)

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageSummaryCmd, usageListCmd, usageAggregateCmd, usageStatsCmd)

	usageCmd.PersistentFlags().StringVarP(&usageServerFlag, "server", "s", "http://localhost:3210", "Base URL of the agent")
	usageCmd.PersistentFlags().StringVar(&sinceFlag, "since", "", "Only include events after this RFC 3339 timestamp")
	usageCmd.PersistentFlags().StringVar(&agentFilterFlag, "agent", "", "Filter by agent URN")

	usageAggregateCmd.Flags().StringVarP(&groupByFlag, "group-by", "g", "agent", "Bucket key: agent, consumer, day or week")
}

func usageQuery() url.Values {
	q := url.Values{}
	if sinceFlag != "" {
		q.Set("start", sinceFlag)
	}
	if agentFilterFlag != "" {
		q.Set("agent_id", agentFilterFlag)
	}
	return q
}

func printUsage(path string, query url.Values) error {
	target := usageServerFlag + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("usage query failed (%d): %s", resp.StatusCode, raw)
	}

	var pretty json.RawMessage = raw
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var longUsage = `
Query the /usage surface of a running agent.

Examples:
  asap-go usage summary
  asap-go usage aggregate --group-by day --since 2026-08-01T00:00:00Z
  asap-go usage list --agent urn:asap:agent:asap-echo
`
