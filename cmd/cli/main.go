package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	noAutoStart bool
	client      *apiClient
	rootCmd     = &cobra.Command{
		Use:   "shelfcache",
		Short: "shelfcache CLI - offline cache and downloads for a media server",
		Long:  `A command-line interface for queueing downloads and managing the offline cache of a shelfcache server.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = newAPIClient(serverURL)
			ensureServer()
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8085", "Server URL")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	rootCmd.AddCommand(addCmd, listCmd, getCmd, itemsCmd, statsCmd)
	rootCmd.AddCommand(transitionCmd("cancel", "Cancel a download"))
	rootCmd.AddCommand(transitionCmd("pause", "Pause a download"))
	rootCmd.AddCommand(transitionCmd("resume", "Resume a paused download"))
	rootCmd.AddCommand(transitionCmd("retry", "Retry a failed or canceled download"))
	rootCmd.AddCommand(deleteCmd, clearCompletedCmd)
	rootCmd.AddCommand(cacheCmd, networkCmd, offlineCmd, logsCmd)

	registerAddFlags(addCmd)
	listCmd.Flags().StringP("status", "s", "", "Filter by status")
	listCmd.Flags().Int64("series", 0, "Filter by series id")
	cacheClearCmd.Flags().String("scope", "all", "Clear scope (all, thumbnails, data, details)")
	logsCmd.Flags().IntP("limit", "n", 50, "Number of entries")
	logsCmd.Flags().StringP("search", "q", "", "Only entries matching this text")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheClearSeriesCmd)
}

func registerAddFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("volume", 0, "Volume id")
	cmd.Flags().Int64("chapter", 0, "Chapter id")
	cmd.Flags().Int("page-start", -1, "First page of a page range")
	cmd.Flags().Int("page-end", -1, "Last page of a page range")
	cmd.Flags().StringP("type", "t", "chapter", "Download type (series, volume, chapter, pages)")
	cmd.Flags().StringP("format", "f", "paged", "Download format (paged, pdf, archive, proxy)")
	cmd.Flags().IntP("priority", "p", 0, "Priority, higher runs first")
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

type task struct {
	ID         string `json:"id"`
	SeriesID   int64  `json:"series_id"`
	VolumeID   *int64 `json:"volume_id"`
	ChapterID  *int64 `json:"chapter_id"`
	Type       string `json:"type"`
	Format     string `json:"format"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	Progress   int    `json:"progress"`
	Total      int    `json:"total"`
	Bytes      int64  `json:"bytes"`
	BytesTotal int64  `json:"bytes_total"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
	CreatedAt  string `json:"created_at"`
}

func (t task) progress() string {
	if t.Total > 0 {
		return fmt.Sprintf("%d/%d", t.Progress, t.Total)
	}
	if t.BytesTotal > 0 {
		return fmt.Sprintf("%d%%", t.Bytes*100/t.BytesTotal)
	}
	return "-"
}

var addCmd = &cobra.Command{
	Use:   "add [series-id]",
	Short: "Queue a download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seriesID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid series id %q", args[0])
		}
		payload, err := buildRequest(cmd, seriesID)
		if err != nil {
			return err
		}

		var created task
		if err := client.do(http.MethodPost, "/api/v1/downloads", payload, &created); err != nil {
			return err
		}
		fmt.Printf("Download queued\n")
		fmt.Printf("ID: %s\n", created.ID)
		fmt.Printf("Status: %s\n", created.Status)
		return nil
	},
}

func buildRequest(cmd *cobra.Command, seriesID int64) (map[string]interface{}, error) {
	flags := cmd.Flags()
	downloadType, _ := flags.GetString("type")
	format, _ := flags.GetString("format")
	priority, _ := flags.GetInt("priority")

	payload := map[string]interface{}{
		"series_id": seriesID,
		"type":      downloadType,
		"format":    format,
		"priority":  priority,
	}
	if v, _ := flags.GetInt64("volume"); v > 0 {
		payload["volume_id"] = v
	}
	if v, _ := flags.GetInt64("chapter"); v > 0 {
		payload["chapter_id"] = v
	}
	start, _ := flags.GetInt("page-start")
	end, _ := flags.GetInt("page-end")
	if (start < 0) != (end < 0) {
		return nil, fmt.Errorf("--page-start and --page-end must be given together")
	}
	if start >= 0 {
		payload["page_start"] = start
		payload["page_end"] = end
	}
	return payload, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			query.Set("status", status)
		}
		if series, _ := cmd.Flags().GetInt64("series"); series > 0 {
			query.Set("series_id", strconv.FormatInt(series, 10))
		}
		path := "/api/v1/downloads"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		var tasks []task
		if err := client.do(http.MethodGet, path, nil, &tasks); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSERIES\tTYPE\tFORMAT\tSTATUS\tPROGRESS\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				truncate(t.ID, 8), t.SeriesID, t.Type, t.Format, t.Status, t.progress(), t.CreatedAt)
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show download details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task
		if err := client.do(http.MethodGet, "/api/v1/downloads/"+args[0], nil, &t); err != nil {
			return err
		}
		fmt.Printf("Download Details:\n")
		fmt.Printf("  ID:       %s\n", t.ID)
		fmt.Printf("  Series:   %d\n", t.SeriesID)
		if t.VolumeID != nil {
			fmt.Printf("  Volume:   %d\n", *t.VolumeID)
		}
		if t.ChapterID != nil {
			fmt.Printf("  Chapter:  %d\n", *t.ChapterID)
		}
		fmt.Printf("  Type:     %s\n", t.Type)
		fmt.Printf("  Format:   %s\n", t.Format)
		fmt.Printf("  Status:   %s\n", t.Status)
		fmt.Printf("  Progress: %s\n", t.progress())
		fmt.Printf("  Attempts: %d\n", t.Attempts)
		fmt.Printf("  Created:  %s\n", t.CreatedAt)
		if t.Error != "" {
			fmt.Printf("  Error:    %s\n", t.Error)
		}
		return nil
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items [id]",
	Short: "List the files of a download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var items []struct {
			Type      string `json:"type"`
			Page      *int   `json:"page"`
			Status    string `json:"status"`
			LocalPath string `json:"local_path"`
			Bytes     int64  `json:"bytes"`
		}
		if err := client.do(http.MethodGet, "/api/v1/downloads/"+args[0]+"/items", nil, &items); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tPAGE\tSTATUS\tBYTES\tPATH")
		for _, item := range items {
			page := "-"
			if item.Page != nil {
				page = strconv.Itoa(*item.Page)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", item.Type, page, item.Status, item.Bytes, item.LocalPath)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show download statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats map[string]int64
		if err := client.do(http.MethodGet, "/api/v1/downloads/stats", nil, &stats); err != nil {
			return err
		}
		fmt.Println("Download Statistics:")
		for _, key := range []string{"total", "pending", "running", "paused", "completed", "failed", "canceled"} {
			fmt.Printf("  %-10s %d\n", key+":", stats[key])
		}
		return nil
	},
}

// transitionCmd builds a command posting to /downloads/:id/<action>
func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Message string `json:"message"`
			}
			if err := client.do(http.MethodPost, "/api/v1/downloads/"+args[0]+"/"+action, nil, &result); err != nil {
				return err
			}
			fmt.Println(result.Message)
			return nil
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a download and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.do(http.MethodDelete, "/api/v1/downloads/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("Download deleted")
		return nil
	},
}

var clearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Remove completed downloads from the list (files are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Removed int `json:"removed"`
		}
		if err := client.do(http.MethodDelete, "/api/v1/downloads/completed", nil, &result); err != nil {
			return err
		}
		fmt.Printf("Removed %d completed downloads\n", result.Removed)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the offline cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var counts map[string]int64
		if err := client.do(http.MethodGet, "/api/v1/cache/stats", nil, &counts); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tROWS")
		for table, n := range counts {
			fmt.Fprintf(w, "%s\t%d\n", table, n)
		}
		return w.Flush()
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear cached data",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		var result struct {
			Cleared bool `json:"cleared"`
		}
		if err := client.do(http.MethodDelete, "/api/v1/cache?scope="+url.QueryEscape(scope), nil, &result); err != nil {
			return err
		}
		printCleared(result.Cleared)
		return nil
	},
}

var cacheClearSeriesCmd = &cobra.Command{
	Use:   "clear-series [series-id]",
	Short: "Clear one cached series",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Cleared bool `json:"cleared"`
		}
		if err := client.do(http.MethodDelete, "/api/v1/cache/series/"+args[0], nil, &result); err != nil {
			return err
		}
		printCleared(result.Cleared)
		return nil
	},
}

func printCleared(cleared bool) {
	if cleared {
		fmt.Println("Cache cleared")
		return
	}
	fmt.Println("Caching is disabled; nothing was cleared")
}

type networkStatus struct {
	IsOnline       bool   `json:"is_online"`
	ConnectionType string `json:"connection_type"`
	IsMetered      bool   `json:"is_metered"`
	OfflineMode    bool   `json:"offline_mode"`
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Show network status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Status        networkStatus `json:"status"`
			OnlineAllowed bool          `json:"online_allowed"`
		}
		if err := client.do(http.MethodGet, "/api/v1/network", nil, &result); err != nil {
			return err
		}
		fmt.Printf("Online:       %v\n", result.Status.IsOnline)
		fmt.Printf("Connection:   %s\n", result.Status.ConnectionType)
		fmt.Printf("Metered:      %v\n", result.Status.IsMetered)
		fmt.Printf("Offline mode: %v\n", result.Status.OfflineMode)
		fmt.Printf("Downloads:    %s\n", map[bool]string{true: "allowed", false: "deferred"}[result.OnlineAllowed])
		return nil
	},
}

var offlineCmd = &cobra.Command{
	Use:       "offline [on|off]",
	Short:     "Turn manual offline mode on or off",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var status networkStatus
		body := map[string]bool{"enabled": args[0] == "on"}
		if err := client.do(http.MethodPut, "/api/v1/network/offline", body, &status); err != nil {
			return err
		}
		fmt.Printf("Offline mode: %v\n", status.OfflineMode)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:       "logs [download|cache|error]",
	Short:     "Show today's category log",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"download", "cache", "error"},
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		search, _ := cmd.Flags().GetString("search")

		query := url.Values{"limit": {strconv.Itoa(limit)}}
		path := "/api/v1/logs/" + args[0]
		if search != "" {
			query.Set("q", search)
			path += "/search"
		}

		var result struct {
			Entries []struct {
				Timestamp string                 `json:"ts"`
				Level     string                 `json:"level"`
				Message   string                 `json:"msg"`
				Fields    map[string]interface{} `json:"fields"`
			} `json:"entries"`
		}
		if err := client.do(http.MethodGet, path+"?"+query.Encode(), nil, &result); err != nil {
			return err
		}
		for _, e := range result.Entries {
			fmt.Printf("%s %-5s %s %v\n", e.Timestamp, e.Level, e.Message, e.Fields)
		}
		return nil
	},
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
