package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/tracedesk/internal/api"
	"github.com/ongoingai/tracedesk/internal/connections"
	"github.com/ongoingai/tracedesk/internal/trace"
)

type stubIngestReader struct {
	stats trace.IngestStats
}

func (r stubIngestReader) IngestStats() trace.IngestStats {
	return r.stats
}

type consoleFixture struct {
	server *httptest.Server
	store  *trace.SQLiteStore
	config string
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()

	dir := t.TempDir()
	store, err := trace.NewSQLiteStore(filepath.Join(dir, "tracedesk.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	connStore, err := connections.NewSQLStore(store.DB(), "sqlite")
	if err != nil {
		t.Fatalf("NewSQLStore() error: %v", err)
	}

	server := httptest.NewServer(api.NewRouter(api.RouterOptions{
		AppVersion:    "test",
		Store:         store,
		StorageDriver: "sqlite",
		Ingest: stubIngestReader{stats: trace.IngestStats{
			QueueCapacity: 64,
			QueueDepth:    3,
			QueuePressure: trace.QueuePressureOK,
			Accepted:      12,
			FailuresByClass: map[trace.WriteErrorClass]int64{
				trace.WriteErrorClassTimeout: 2,
			},
		}},
		Connections: connStore,
	}))
	t.Cleanup(server.Close)

	return &consoleFixture{
		server: server,
		store:  store,
		config: filepath.Join(dir, "absent.yaml"),
	}
}

// flags returns the connection flags every console command accepts.
func (f *consoleFixture) flags(extra ...string) []string {
	return append(extra, "--config", f.config, "--base-url", f.server.URL, "--timeout", "5s")
}

func (f *consoleFixture) seed(t *testing.T, items ...*trace.Trace) {
	t.Helper()
	for _, item := range items {
		if err := f.store.WriteTrace(context.Background(), item); err != nil {
			t.Fatalf("WriteTrace(%s) error: %v", item.ID, err)
		}
	}
}

func runTracesCLI(in string, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := runTraces(args, strings.NewReader(in), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestTracesListAppliesFilters(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	now := time.Now().UTC()
	f.seed(t,
		&trace.Trace{ID: "tr_alpha", Name: "alpha checkout", Environment: "prod", Timestamp: now.Add(-time.Minute), TotalTokens: 42},
		&trace.Trace{ID: "tr_beta", Name: "beta search", Environment: "staging", Timestamp: now.Add(-2 * time.Minute)},
		&trace.Trace{ID: "tr_old", Name: "alpha archive", Environment: "prod", Timestamp: now.Add(-48 * time.Hour)},
	)

	code, stdout, stderr := runTracesCLI("", f.flags("list")...)
	if code != 0 {
		t.Fatalf("traces list code=%d stderr=%q", code, stderr)
	}
	for _, id := range []string{"tr_alpha", "tr_beta", "tr_old"} {
		if !strings.Contains(stdout, id) {
			t.Fatalf("stdout=%q, want %s", stdout, id)
		}
	}
	if !strings.Contains(stdout, "3 of 3 traces shown") {
		t.Fatalf("stdout=%q, want summary line", stdout)
	}

	code, stdout, stderr = runTracesCLI("", f.flags("list", "--where", "name|contains|ALPHA", "--range", "24h")...)
	if code != 0 {
		t.Fatalf("filtered list code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "tr_alpha") || strings.Contains(stdout, "tr_beta") || strings.Contains(stdout, "tr_old") {
		t.Fatalf("stdout=%q, want only tr_alpha", stdout)
	}

	code, stdout, stderr = runTracesCLI("", f.flags("list", "--env", "staging", "--format", "json")...)
	if code != 0 {
		t.Fatalf("json list code=%d stderr=%q", code, stderr)
	}
	var page api.TracePage
	if err := json.Unmarshal([]byte(stdout), &page); err != nil {
		t.Fatalf("decode json output %q: %v", stdout, err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "tr_beta" {
		t.Fatalf("items=%+v, want [tr_beta]", page.Items)
	}

	code, stdout, _ = runTracesCLI("", f.flags("list", "--query", "tr_be")...)
	if code != 0 || !strings.Contains(stdout, "1 of 3 traces shown") {
		t.Fatalf("query list code=%d stdout=%q", code, stdout)
	}
}

func TestTracesListRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "malformed clause", args: []string{"list", "--where", "name|contains"}, want: "column|operator|value"},
		{name: "unknown column", args: []string{"list", "--where", "color|=|red"}, want: "color"},
		{name: "bad preset", args: []string{"list", "--range", "2w"}, want: "2w"},
		{name: "bad search mode", args: []string{"list", "--search", "regex"}, want: "invalid search mode"},
		{name: "bad format", args: []string{"list", "--format", "yaml"}, want: "expected text or json"},
	}
	for _, tt := range tests {
		code, _, stderr := runTracesCLI("", f.flags(tt.args...)...)
		if code != 2 {
			t.Fatalf("%s: code=%d, want 2", tt.name, code)
		}
		if !strings.Contains(stderr, tt.want) {
			t.Fatalf("%s: stderr=%q, want %q", tt.name, stderr, tt.want)
		}
	}
}

func TestTracesCreateWaitsUntilReadable(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	code, stdout, stderr := runTracesCLI("", f.flags(
		"create",
		"--input", "What is the capital of France?",
		"--name", "geography",
		"--env", "prod",
		"--tag", "eval",
		"--meta", "reviewed=false",
		"--poll-interval", "10ms",
		"--deadline", "3s",
	)...)
	if code != 0 {
		t.Fatalf("traces create code=%d stdout=%q stderr=%q", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "created trace ") || !strings.Contains(stdout, "is readable") {
		t.Fatalf("stdout=%q, want created and readable lines", stdout)
	}

	result, err := f.store.QueryTraces(context.Background(), trace.TraceFilter{Limit: 10})
	if err != nil {
		t.Fatalf("QueryTraces() error: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("stored traces=%d, want 1", len(result.Items))
	}
	stored := result.Items[0]
	if stored.Name != "geography" || stored.Environment != "prod" || len(stored.Tags) != 1 || stored.Tags[0] != "eval" {
		t.Fatalf("stored=%+v", stored)
	}
	if !strings.Contains(stored.Metadata, `"reviewed":false`) {
		t.Fatalf("metadata=%q, want reviewed=false", stored.Metadata)
	}
}

func TestTracesCreateRequiresInput(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	code, _, stderr := runTracesCLI("", f.flags("create", "--name", "empty")...)
	if code != 2 || !strings.Contains(stderr, "--input is empty") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestTracesShowUpdateDelete(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	f.seed(t, &trace.Trace{ID: "tr_1", Name: "support chat", Input: "hi", Output: "hello", Timestamp: time.Now().UTC(), Metadata: `{"team":"support"}`})

	code, stdout, stderr := runTracesCLI("", f.flags("show", "tr_1")...)
	if code != 0 {
		t.Fatalf("show code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "Trace tr_1") || !strings.Contains(stdout, "support chat") || !strings.Contains(stdout, "No comments") {
		t.Fatalf("stdout=%q", stdout)
	}

	code, _, stderr = runTracesCLI("", f.flags("show", "tr_missing")...)
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("show missing code=%d stderr=%q", code, stderr)
	}

	code, stdout, stderr = runTracesCLI("", f.flags("update", "tr_1", "--set", "priority=2")...)
	if code != 0 {
		t.Fatalf("update code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, `"priority":2`) || !strings.Contains(stdout, `"team":"support"`) {
		t.Fatalf("update stdout=%q, want merged metadata", stdout)
	}

	code, stdout, _ = runTracesCLI("no\n", f.flags("delete", "tr_1")...)
	if code != 0 || !strings.Contains(stdout, "delete cancelled") {
		t.Fatalf("declined delete code=%d stdout=%q", code, stdout)
	}
	if _, err := f.store.GetTrace(context.Background(), "tr_1"); err != nil {
		t.Fatalf("trace removed despite declined prompt: %v", err)
	}

	code, _, stderr = runTracesCLI("y\n", f.flags("delete", "tr_1")...)
	if code != 0 {
		t.Fatalf("confirmed delete code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stderr, "[y/N]") {
		t.Fatalf("stderr=%q, want confirmation prompt", stderr)
	}
	if _, err := f.store.GetTrace(context.Background(), "tr_1"); err == nil {
		t.Fatal("trace still stored after delete")
	}

	code, _, _ = runTracesCLI("", f.flags("delete", "tr_1", "--yes")...)
	if code != 1 {
		t.Fatalf("delete of missing trace code=%d, want 1", code)
	}
}

func TestCommentsCommands(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)
	f.seed(t, &trace.Trace{ID: "tr_1", Timestamp: time.Now().UTC()})

	var stdout, stderr bytes.Buffer
	if code := runComments(f.flags("add", "tr_1", "--author", "alice", "--content", "looks wrong"), &stdout, &stderr); code != 0 {
		t.Fatalf("comments add code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Comments (1)") || !strings.Contains(stdout.String(), "looks wrong") {
		t.Fatalf("stdout=%q", stdout.String())
	}

	comments, err := f.store.ListComments(context.Background(), trace.CommentObjectTrace, "tr_1")
	if err != nil || len(comments) != 1 {
		t.Fatalf("ListComments()=(%v,%v)", comments, err)
	}

	stdout.Reset()
	stderr.Reset()
	if code := runComments(f.flags("delete", "tr_1", "--id", comments[0].ID), &stdout, &stderr); code != 0 {
		t.Fatalf("comments delete code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "No comments") {
		t.Fatalf("stdout=%q, want empty list", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runComments(f.flags("add", "tr_1"), &stdout, &stderr); code != 2 {
		t.Fatalf("comments add without content code=%d, want 2", code)
	}
}

func TestConnectionsCommands(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)

	var stdout, stderr bytes.Buffer
	code := runConnections(f.flags("set", "openai", "--secret-key", "sk-test-abcd1234", "--model", "gpt-4o-mini", "--header", "X-Team=evals"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("connections set code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "...1234") || strings.Contains(stdout.String(), "sk-test") {
		t.Fatalf("stdout=%q, want masked secret", stdout.String())
	}

	stdout.Reset()
	if code := runConnections(f.flags("list"), &stdout, &stderr); code != 0 {
		t.Fatalf("connections list code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "gpt-4o-mini") || !strings.Contains(stdout.String(), "X-Team") || strings.Contains(stdout.String(), "evals") {
		t.Fatalf("list stdout=%q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runConnections(f.flags("set", "broken"), &stdout, &stderr); code != 2 {
		t.Fatalf("set without secret code=%d, want 2 (stderr=%q)", code, stderr.String())
	}

	stdout.Reset()
	if code := runConnections(f.flags("delete", "openai"), &stdout, &stderr); code != 0 {
		t.Fatalf("connections delete code=%d stderr=%q", code, stderr.String())
	}
	stdout.Reset()
	if code := runConnections(f.flags("list"), &stdout, &stderr); code != 0 || !strings.Contains(stdout.String(), "No LLM connections configured") {
		t.Fatalf("list after delete code=%d stdout=%q", code, stdout.String())
	}
}

func TestDiagnosticsCommand(t *testing.T) {
	t.Parallel()

	f := newConsoleFixture(t)

	var stdout, stderr bytes.Buffer
	if code := runDiagnostics(f.flags(), &stdout, &stderr); code != 0 {
		t.Fatalf("diagnostics code=%d stderr=%q", code, stderr.String())
	}
	text := stdout.String()
	for _, want := range []string{"Tracedesk Diagnostics", "Storage driver", "sqlite", "Check storage", "Pressure", "OK", "Accepted total", "timeout"} {
		if !strings.Contains(text, want) {
			t.Fatalf("stdout=%q, want %q", text, want)
		}
	}

	stdout.Reset()
	if code := runDiagnostics(f.flags("--format", "json"), &stdout, &stderr); code != 0 {
		t.Fatalf("diagnostics json code=%d stderr=%q", code, stderr.String())
	}
	var document api.IngestDiagnosticsResponse
	if err := json.Unmarshal(stdout.Bytes(), &document); err != nil {
		t.Fatalf("decode diagnostics %q: %v", stdout.String(), err)
	}
	if document.Diagnostics.QueueCapacity != 64 || document.Diagnostics.Accepted != 12 {
		t.Fatalf("diagnostics=%+v", document.Diagnostics)
	}
}

func TestConsoleCommandsReportUnreachableService(t *testing.T) {
	t.Parallel()

	config := filepath.Join(t.TempDir(), "absent.yaml")
	var stdout, stderr bytes.Buffer
	code := runTraces([]string{"list", "--config", config, "--base-url", "http://127.0.0.1:1", "--timeout", "500ms"}, strings.NewReader(""), &stdout, &stderr)
	if code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Failed to load traces") {
		t.Fatalf("stderr=%q, want load failure notice", stderr.String())
	}
}
