package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/tiermem/internal/engine"
	"github.com/lazypower/tiermem/internal/hooks"
)

// --- capture command ---

var (
	captureImportance float64
	captureSource     string
	captureMeta       []string
)

var captureCmd = &cobra.Command{
	Use:   "capture [content]",
	Short: "Record an observation",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCapture,
}

func runCapture(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	md := make(map[string]any, len(captureMeta))
	for _, kv := range captureMeta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("metadata %q: want key=value", kv)
		}
		md[k] = v
	}

	body, err := c.PostJSON("/api/observations", hooks.Capture{
		Content:    strings.Join(args, " "),
		Importance: captureImportance,
		Source:     captureSource,
		Metadata:   md,
	})
	if err != nil {
		return err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
	return nil
}

// --- context command ---

var contextBudget int

var contextCmd = &cobra.Command{
	Use:   "context [prompt]",
	Short: "Print the memory context assembled for a prompt",
	RunE:  runContext,
}

func runContext(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	q := url.Values{"q": {strings.Join(args, " ")}}
	if contextBudget > 0 {
		q.Set("budget", strconv.Itoa(contextBudget))
	}
	body, err := c.Get("/api/context?" + q.Encode())
	if err != nil {
		return err
	}
	var resp struct {
		Context string `json:"context"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), resp.Context)
	return nil
}

// --- search command ---

var (
	searchLimit   int
	searchSources []string
	searchSince   time.Duration
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search hot and warm memories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

type searchHit struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Tier       string    `json:"tier"`
	CapturedAt time.Time `json:"captured_at"`
	Relevance  float64   `json:"relevance"`
	Score      float64   `json:"score"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	q := url.Values{
		"q":     {strings.Join(args, " ")},
		"limit": {strconv.Itoa(searchLimit)},
	}
	for _, s := range searchSources {
		q.Add("source", s)
	}
	if searchSince > 0 {
		q.Set("since", time.Now().Add(-searchSince).UTC().Format(time.RFC3339))
	}
	body, err := c.Get("/api/search?" + q.Encode())
	if err != nil {
		return err
	}
	var resp struct {
		Results []searchHit `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for i, h := range resp.Results {
		fmt.Fprintf(out, "%d. [%.3f] %s %s (%s, %s)\n", i+1, h.Score, h.Tier, h.ID, h.Source, humanize.Time(h.CapturedAt))
		fmt.Fprintf(out, "   %s\n\n", truncate(h.Content, 200))
	}
	return nil
}

// --- recent command ---

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the newest observations",
	Args:  cobra.NoArgs,
	RunE:  runRecent,
}

func runRecent(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	body, err := c.Get("/api/recent?limit=" + strconv.Itoa(recentLimit))
	if err != nil {
		return err
	}
	var resp struct {
		Observations []searchHit `json:"observations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, o := range resp.Observations {
		fmt.Fprintf(out, "%-4s %-14s %-10s %s\n", o.Tier, humanize.Time(o.CapturedAt), o.Source, truncate(o.Content, 100))
	}
	return nil
}

// --- maintain command ---

// maintainTimeout covers a pass that re-embeds a full batch.
const maintainTimeout = 2 * time.Minute

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass on the server",
	Args:  cobra.NoArgs,
	RunE:  runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	body, err := c.WithTimeout(maintainTimeout).Post("/api/maintenance", nil)
	if err != nil {
		return err
	}
	var st engine.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	printMaintenance(cmd.OutOrStdout(), st)
	return nil
}

func printMaintenance(w io.Writer, st engine.Stats) {
	fmt.Fprintf(w, "flushed %d, consolidated %d, embedded %d, evicted %d, trimmed %d in %s\n",
		st.Flushed, st.Consolidated, st.Embedded, st.Evicted, st.Trimmed, st.Duration.Round(time.Millisecond))
	if len(st.Skipped) > 0 {
		fmt.Fprintf(w, "skipped: %s\n", strings.Join(st.Skipped, ", "))
	}
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier sizes",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	body, err := c.Get("/api/stats")
	if err != nil {
		return err
	}
	var st engine.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st engine.Status) {
	fmt.Fprintf(w, "hot:  %d/%d live, %d pending, %d unpersisted\n",
		st.Hot.Live, st.Hot.Capacity, st.Hot.Pending, st.Hot.Unpersisted)
	fmt.Fprintf(w, "warm: %s observations, %s indexed, %s\n",
		humanize.Comma(int64(st.Warm.Observations)), humanize.Comma(int64(st.Warm.Indexed)), humanize.Bytes(uint64(st.Warm.SizeBytes)))
	cold := fmt.Sprintf("cold: %d segments, %s", st.Cold.Segments, humanize.Bytes(uint64(st.Cold.SizeBytes)))
	if st.Cold.Segments > 0 {
		cold += fmt.Sprintf(" (%s to %s)", st.Cold.Oldest, st.Cold.Newest)
	}
	if st.Cold.Backlog > 0 {
		cold += fmt.Sprintf(", %d queued", st.Cold.Backlog)
	}
	fmt.Fprintln(w, cold)
	if st.Embedder != "" {
		fmt.Fprintf(w, "embedder: %s\n", st.Embedder)
	} else {
		fmt.Fprintln(w, "embedder: none (keyword-only)")
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	captureCmd.Flags().Float64VarP(&captureImportance, "importance", "i", 0.5, "importance in [0,1]")
	captureCmd.Flags().StringVarP(&captureSource, "source", "s", "cli", "source label")
	captureCmd.Flags().StringArrayVarP(&captureMeta, "meta", "m", nil, "metadata key=value (repeatable)")

	contextCmd.Flags().IntVarP(&contextBudget, "budget", "b", 0, "context size in bytes (default: server setting)")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringSliceVar(&searchSources, "source", nil, "only these sources")
	searchCmd.Flags().DurationVar(&searchSince, "since", 0, "only observations newer than this (e.g. 24h)")

	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 20, "number of observations")
}
