package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/tracedesk/internal/api"
	"github.com/ongoingai/tracedesk/internal/trace"
)

const maxPreviewRunes = 48

type traceDetailDocument struct {
	Trace    api.Trace     `json:"trace"`
	Comments []api.Comment `json:"comments"`
}

func writeIndentedJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTracesJSON(out io.Writer, items []*trace.Trace) error {
	page := api.TracePage{Items: make([]api.Trace, 0, len(items))}
	for _, item := range items {
		page.Items = append(page.Items, api.FromTrace(item))
	}
	return writeIndentedJSON(out, page)
}

func writeTraceTable(out io.Writer, items []*trace.Trace, total int) error {
	table := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "ID\tTIMESTAMP\tNAME\tENV\tMODEL\tTOKENS\tCOST_USD\tLATENCY_S\tFAV")
	for _, item := range items {
		id := item.ID
		if item.Pending {
			id += " (pending)"
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			id,
			timeOr(item.Timestamp, "-"),
			valueOr(preview(item.Name), "-"),
			trace.EnvironmentOf(item),
			valueOr(item.Model, "-"),
			item.TotalTokens,
			floatPtrOr(item.CostUSD, "%.6f"),
			floatPtrOr(item.LatencySec, "%.2f"),
			favoriteMark(item.IsFavorited),
		)
	}
	if err := table.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d of %d traces shown\n", len(items), total)
	return err
}

func writeTraceDetailJSON(out io.Writer, item *trace.Trace, comments []trace.Comment) error {
	document := traceDetailDocument{Trace: api.FromTrace(item), Comments: make([]api.Comment, 0, len(comments))}
	for _, comment := range comments {
		document.Comments = append(document.Comments, api.FromComment(comment))
	}
	return writeIndentedJSON(out, document)
}

func writeTraceDetail(out io.Writer, item *trace.Trace, comments []trace.Comment) error {
	fmt.Fprintf(out, "Trace %s\n", item.ID)

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Name\t%s\n", valueOr(item.Name, "(none)"))
	fmt.Fprintf(meta, "Timestamp\t%s\n", timeOr(item.Timestamp, "(unknown)"))
	fmt.Fprintf(meta, "Environment\t%s\n", trace.EnvironmentOf(item))
	fmt.Fprintf(meta, "User\t%s\n", valueOr(item.UserID, "(none)"))
	fmt.Fprintf(meta, "Session\t%s\n", valueOr(item.SessionID, "(none)"))
	fmt.Fprintf(meta, "Level\t%s\n", valueOr(item.Level, trace.LevelDefault))
	fmt.Fprintf(meta, "Model\t%s\n", valueOr(item.Model, "(none)"))
	fmt.Fprintf(meta, "Tags\t%s\n", valueOr(strings.Join(item.Tags, ", "), "(none)"))
	fmt.Fprintf(meta, "Tokens\tinput=%d output=%d total=%d\n", item.InputTokens, item.OutputTokens, item.TotalTokens)
	fmt.Fprintf(meta, "Cost (USD)\t%s\n", floatPtrOr(item.CostUSD, "%.6f"))
	fmt.Fprintf(meta, "Latency (s)\t%s\n", floatPtrOr(item.LatencySec, "%.3f"))
	fmt.Fprintf(meta, "Observations\t%d (error=%d warning=%d default=%d debug=%d)\n", item.Observations, item.ErrorCount, item.WarningCount, item.DefaultCount, item.DebugCount)
	if len(item.NumericScores) > 0 || len(item.CategoricalScores) > 0 {
		fmt.Fprintf(meta, "Scores\t%s\n", formatScores(item))
	}
	fmt.Fprintf(meta, "Metadata\t%s\n", valueOr(item.Metadata, "{}"))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nInput\n%s\n", valueOr(item.Input, "(empty)"))
	fmt.Fprintf(out, "\nOutput\n%s\n", valueOr(item.Output, "(empty)"))
	if comments == nil {
		return nil
	}
	fmt.Fprintln(out)
	return writeComments(out, comments)
}

func writeComments(out io.Writer, comments []trace.Comment) error {
	if len(comments) == 0 {
		_, err := fmt.Fprintln(out, "No comments")
		return err
	}
	fmt.Fprintf(out, "Comments (%d)\n", len(comments))
	table := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, comment := range comments {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n",
			comment.ID,
			timeOr(comment.CreatedAt, "-"),
			valueOr(comment.AuthorUserID, "(anonymous)"),
			comment.Content,
		)
	}
	return table.Flush()
}

func writeConnections(out io.Writer, items []api.Connection) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "No LLM connections configured")
		return err
	}
	table := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "PROVIDER\tADAPTER\tBASE_URL\tSECRET\tMODELS\tHEADERS")
	for _, item := range items {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\n",
			item.Provider,
			item.Adapter,
			valueOr(item.BaseURL, "(default)"),
			valueOr(item.SecretKeyPreview, "-"),
			valueOr(strings.Join(item.Models, ","), "-"),
			valueOr(strings.Join(item.ExtraHeaderNames, ","), "-"),
		)
	}
	return table.Flush()
}

func writeDiagnosticsText(out io.Writer, health *api.HealthResponse, document *api.IngestDiagnosticsResponse, baseURL string) error {
	fmt.Fprintln(out, "Tracedesk Diagnostics")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Source\t%s\n", strings.TrimRight(baseURL, "/"))
	fmt.Fprintf(meta, "Status\t%s\n", strings.ToUpper(health.Status))
	fmt.Fprintf(meta, "Version\t%s\n", valueOr(health.Version, "(unknown)"))
	fmt.Fprintf(meta, "Uptime\t%s\n", (time.Duration(health.UptimeSec) * time.Second).String())
	fmt.Fprintf(meta, "Storage driver\t%s\n", health.StorageDriver)
	fmt.Fprintf(meta, "Trace count\t%d\n", health.TraceCount)
	if health.DBSizeBytes > 0 {
		fmt.Fprintf(meta, "Database size (bytes)\t%d\n", health.DBSizeBytes)
	}
	fmt.Fprintf(meta, "LLM connections\t%d\n", health.LLMConnections)
	for _, name := range sortedKeys(health.Checks) {
		fmt.Fprintf(meta, "Check %s\t%s\n", name, health.Checks[name])
	}
	fmt.Fprintf(meta, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", document.GeneratedAt.UTC().Format(time.RFC3339))
	if err := meta.Flush(); err != nil {
		return err
	}

	stats := document.Diagnostics
	fmt.Fprintln(out, "\nIngest queue")
	queue := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(queue, "Pressure\t%s\n", strings.ToUpper(stats.QueuePressure))
	fmt.Fprintf(queue, "Capacity\t%d\n", stats.QueueCapacity)
	fmt.Fprintf(queue, "Depth\t%d\n", stats.QueueDepth)
	fmt.Fprintf(queue, "Peak depth\t%d\n", stats.QueuePeak)
	fmt.Fprintf(queue, "Accepted total\t%d\n", stats.Accepted)
	fmt.Fprintf(queue, "Rejected total\t%d\n", stats.Rejected)
	fmt.Fprintf(queue, "Last rejected at\t%s\n", timePtrOr(stats.LastRejectedAt, "(none)"))
	if err := queue.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nWrite failures")
	writes := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writes, "Total\t%d\n", stats.WriteFailed)
	fmt.Fprintf(writes, "Last failed at\t%s\n", timePtrOr(stats.LastWriteFailedAt, "(none)"))
	classes := make([]string, 0, len(stats.FailuresByClass))
	for class := range stats.FailuresByClass {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(writes, "  %s\t%d\n", class, stats.FailuresByClass[trace.WriteErrorClass(class)])
	}
	return writes.Flush()
}

func formatScores(item *trace.Trace) string {
	parts := make([]string, 0, len(item.NumericScores)+len(item.CategoricalScores))
	for name, value := range item.NumericScores {
		parts = append(parts, fmt.Sprintf("%s=%g", name, value))
	}
	for name, value := range item.CategoricalScores {
		parts = append(parts, name+"="+value)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func preview(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= maxPreviewRunes {
		return value
	}
	return string(runes[:maxPreviewRunes-3]) + "..."
}

func favoriteMark(on bool) string {
	if on {
		return "*"
	}
	return ""
}

func valueOr(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func timeOr(value time.Time, fallback string) string {
	if value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}

func timePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return timeOr(*value, fallback)
}

func floatPtrOr(value *float64, format string) string {
	if value == nil {
		return "-"
	}
	return fmt.Sprintf(format, *value)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
