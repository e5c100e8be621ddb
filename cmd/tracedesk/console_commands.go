package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/backend"
	"github.com/ongoingai/tracedesk/internal/config"
	"github.com/ongoingai/tracedesk/internal/console"
	"github.com/ongoingai/tracedesk/internal/filter"
	"github.com/ongoingai/tracedesk/internal/observability"
	"github.com/ongoingai/tracedesk/internal/reconcile"
	"github.com/ongoingai/tracedesk/internal/trace"
	"github.com/ongoingai/tracedesk/internal/version"
)

// consoleFlags are shared by every command that talks to a running service.
type consoleFlags struct {
	configPath *string
	baseURL    *string
	timeout    *time.Duration
	verbose    *bool
}

func registerConsoleFlags(flagSet *flag.FlagSet) consoleFlags {
	return consoleFlags{
		configPath: flagSet.String("config", defaultConfigPath, "Path to config file"),
		baseURL:    flagSet.String("base-url", "", "Service base URL (defaults to console.base_url)"),
		timeout:    flagSet.Duration("timeout", 0, "HTTP timeout (defaults to console.request_timeout)"),
		verbose:    flagSet.Bool("verbose", false, "Log console activity to stderr"),
	}
}

type consoleSession struct {
	cfg    config.Config
	client *backend.Client
	logger *slog.Logger
	otel   *observability.Runtime
}

func openConsoleSession(flags consoleFlags, errOut io.Writer) (*consoleSession, error) {
	cfg, _, err := loadAndValidateConfig(*flags.configPath)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(*flags.baseURL)
	if baseURL == "" {
		baseURL = cfg.Console.BaseURL
	}
	timeout := *flags.timeout
	if timeout <= 0 {
		timeout = cfg.Console.RequestTimeout
	}
	level := slog.LevelError + 1
	if *flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(observability.NewTraceLogHandler(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})))

	otelRuntime, err := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Warn("opentelemetry disabled for this command", "error", err)
	}
	client, err := backend.New(backend.Options{
		BaseURL:   baseURL,
		Timeout:   timeout,
		Transport: otelRuntime.WrapHTTPTransport(http.DefaultTransport),
	})
	if err != nil {
		shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
		return nil, err
	}
	return &consoleSession{cfg: cfg, client: client, logger: logger, otel: otelRuntime}, nil
}

// close flushes telemetry recorded by the command.
func (s *consoleSession) close() {
	shutdownOpenTelemetry(s.logger, s.otel, otelShutdownTimeout)
}

type viewOptions struct {
	applyClauses bool
	pollInterval time.Duration
	deadline     time.Duration
	confirm      func(string) bool
}

func (s *consoleSession) view(errOut io.Writer, opts viewOptions) *console.View {
	if opts.pollInterval <= 0 {
		opts.pollInterval = s.cfg.Console.PollInterval
	}
	if opts.deadline <= 0 {
		opts.deadline = s.cfg.Console.Deadline
	}
	return console.New(s.client, console.Options{
		PollInterval: opts.pollInterval,
		Deadline:     opts.deadline,
		Logger:       s.logger,
		Recorder:     s.otel,
		Notifier:     noticePrinter(errOut),
		ApplyClauses: opts.applyClauses || s.cfg.Console.ApplyFilterClauses,
		Confirm:      opts.confirm,
	})
}

func noticePrinter(errOut io.Writer) console.Notifier {
	return console.NotifierFunc(func(n console.Notice) {
		line := fmt.Sprintf("[%s] %s", n.Level, n.Message)
		if n.TraceID != "" && !strings.Contains(n.Message, n.TraceID) {
			line += " (" + n.TraceID + ")"
		}
		if n.Err != nil {
			line += ": " + n.Err.Error()
		}
		fmt.Fprintln(errOut, line)
	})
}

func runTraces(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	switch args[0] {
	case "list":
		return runTracesList(args[1:], out, errOut)
	case "show":
		return runTracesShow(args[1:], out, errOut)
	case "create":
		return runTracesCreate(args[1:], out, errOut)
	case "update":
		return runTracesUpdate(args[1:], out, errOut)
	case "delete":
		return runTracesDelete(args[1:], in, out, errOut)
	default:
		printUsage(errOut)
		return 2
	}
}

func runTracesList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	query := flagSet.String("query", "", "Search text")
	search := flagSet.String("search", "ids", "Search mode: ids or full")
	preset := flagSet.String("range", "", "Relative time range: 30m, 1h, 6h, 24h, 7d, 30d or 90d")
	from := flagSet.String("from", "", "Range start (RFC3339)")
	to := flagSet.String("to", "", "Range end (RFC3339)")
	format := flagSet.String("format", "text", "Output format: text or json")
	var envs, where stringList
	flagSet.Var(&envs, "env", "Environment to include (repeatable)")
	flagSet.Var(&where, "where", "Filter clause column|operator|value[|metaKey] (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "traces list does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("traces list", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	mode, err := parseSearchMode(*search)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	window, err := parseWindow(*from, *to)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	view := session.view(errOut, viewOptions{applyClauses: len(where) > 0})
	defer view.Close()

	for _, raw := range where {
		clause, err := filter.ParseClause(raw)
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
		if _, err := view.AppendClause(clause); err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	}
	view.SetQuery(*query)
	if err := view.SetSearchMode(mode); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	view.SetEnvironments(envs...)
	if strings.TrimSpace(*preset) != "" {
		if _, err := view.SetPreset(*preset); err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	} else if window.IsSet() {
		view.SetTimeRange(window)
	}

	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()
	if err := view.Load(ctx); err != nil {
		return 1
	}

	items := view.Visible()
	if normalizedFormat == "json" {
		if err := writeTracesJSON(out, items); err != nil {
			fmt.Fprintf(errOut, "failed to write output: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writeTraceTable(out, items, len(view.All())); err != nil {
		fmt.Fprintf(errOut, "failed to write output: %v\n", err)
		return 1
	}
	return 0
}

func runTracesShow(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces show", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	format := flagSet.String("format", "text", "Output format: text or json")
	withComments := flagSet.Bool("comments", true, "Include comments")
	id, rest := splitLeadingArg(args)
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}
	if id == "" && flagSet.NArg() == 1 {
		id = flagSet.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(errOut, "usage: tracedesk traces show ID")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("traces show", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()

	item, err := session.client.FetchTraceDetails(ctx, id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			fmt.Fprintf(errOut, "trace %s not found\n", id)
		} else {
			fmt.Fprintf(errOut, "failed to fetch trace: %v\n", err)
		}
		return 1
	}
	var comments []trace.Comment
	if *withComments {
		comments, err = session.client.ListComments(ctx, trace.CommentObjectTrace, id)
		if err != nil {
			fmt.Fprintf(errOut, "failed to fetch comments: %v\n", err)
			return 1
		}
		if comments == nil {
			comments = []trace.Comment{}
		}
	}
	if normalizedFormat == "json" {
		err = writeTraceDetailJSON(out, item, comments)
	} else {
		err = writeTraceDetail(out, item, comments)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write output: %v\n", err)
		return 1
	}
	return 0
}

func runTracesCreate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces create", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	input := flagSet.String("input", "", "Trace input")
	name := flagSet.String("name", "", "Trace name")
	output := flagSet.String("output", "", "Trace output")
	userID := flagSet.String("user", "", "User id (defaults to console.user_id)")
	sessionID := flagSet.String("session", "", "Session id")
	env := flagSet.String("env", "", "Environment")
	model := flagSet.String("model", "", "Model for the completion")
	complete := flagSet.Bool("complete", false, "Run a chat completion on the input when no output is given")
	noWait := flagSet.Bool("no-wait", false, "Return without waiting for the trace to become readable")
	pollInterval := flagSet.Duration("poll-interval", 0, "Interval between readiness probes")
	deadline := flagSet.Duration("deadline", 0, "How long to wait for the trace to become readable")
	var tags, meta stringList
	flagSet.Var(&tags, "tag", "Tag (repeatable)")
	flagSet.Var(&meta, "meta", "Metadata key=value (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "traces create does not accept positional arguments")
		return 2
	}
	metadata, err := parseAssignments(meta)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	view := session.view(errOut, viewOptions{pollInterval: *pollInterval, deadline: *deadline})
	defer view.Close()

	user := strings.TrimSpace(*userID)
	if user == "" {
		user = session.cfg.Console.UserID
	}
	id, err := view.Create(context.Background(), trace.CreateRequest{
		Name:        *name,
		Input:       *input,
		Output:      *output,
		UserID:      user,
		SessionID:   *sessionID,
		Environment: *env,
		Model:       *model,
		Tags:        tags,
		Metadata:    metadata,
		Complete:    *complete,
	})
	if errors.Is(err, console.ErrUserCancelled) {
		fmt.Fprintln(errOut, "nothing to create: --input is empty")
		return 2
	}
	if err != nil {
		return 1
	}
	fmt.Fprintf(out, "created trace %s\n", id)
	if *noWait {
		return 0
	}

	view.Wait()
	switch view.Status().LastOutcome {
	case reconcile.OutcomeConfirmed:
		fmt.Fprintf(out, "trace %s is readable\n", id)
		return 0
	default:
		return 1
	}
}

func runTracesUpdate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces update", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	var sets stringList
	flagSet.Var(&sets, "set", "Metadata key=value to merge (repeatable)")
	id, rest := splitLeadingArg(args)
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}
	if id == "" && flagSet.NArg() == 1 {
		id = flagSet.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(errOut, "usage: tracedesk traces update ID --set key=value")
		return 2
	}
	patch, err := parseAssignments(sets)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	view := session.view(errOut, viewOptions{})
	defer view.Close()

	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()
	if err := view.Load(ctx); err != nil {
		return 1
	}
	updated, err := view.UpdateMetadata(ctx, id, patch)
	if err != nil {
		return 1
	}
	fmt.Fprintf(out, "updated trace %s metadata: %s\n", updated.ID, updated.Metadata)
	return 0
}

func runTracesDelete(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces delete", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	yes := flagSet.Bool("yes", false, "Do not ask for confirmation")
	id, rest := splitLeadingArg(args)
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}
	if id == "" && flagSet.NArg() == 1 {
		id = flagSet.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(errOut, "usage: tracedesk traces delete ID [--yes]")
		return 2
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	confirm := promptConfirm(in, errOut)
	if *yes {
		confirm = func(string) bool { return true }
	}
	view := session.view(errOut, viewOptions{confirm: confirm})
	defer view.Close()

	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()
	err = view.Delete(ctx, id)
	switch {
	case errors.Is(err, console.ErrUserCancelled):
		fmt.Fprintln(out, "delete cancelled")
		return 0
	case err != nil:
		return 1
	}
	return 0
}

func promptConfirm(in io.Reader, errOut io.Writer) func(string) bool {
	reader := bufio.NewReader(in)
	return func(prompt string) bool {
		fmt.Fprintf(errOut, "%s [y/N] ", prompt)
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

func runComments(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	sub := args[0]
	if sub != "list" && sub != "add" && sub != "delete" {
		printUsage(errOut)
		return 2
	}

	flagSet := flag.NewFlagSet("comments "+sub, flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	objectType := flagSet.String("object-type", trace.CommentObjectTrace, "TRACE or OBSERVATION")
	author := flagSet.String("author", "", "Author user id (defaults to console.user_id)")
	content := flagSet.String("content", "", "Comment text")
	commentID := flagSet.String("id", "", "Comment id to delete")
	objectID, rest := splitLeadingArg(args[1:])
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}
	if objectID == "" && flagSet.NArg() == 1 {
		objectID = flagSet.Arg(0)
	}
	if strings.TrimSpace(objectID) == "" {
		fmt.Fprintf(errOut, "usage: tracedesk comments %s OBJECT_ID\n", sub)
		return 2
	}
	kind := strings.ToUpper(strings.TrimSpace(*objectType))

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	view := session.view(errOut, viewOptions{})
	defer view.Close()

	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()

	var comments []trace.Comment
	switch sub {
	case "list":
		comments, err = view.Comments(ctx, kind, objectID)
	case "add":
		user := strings.TrimSpace(*author)
		if user == "" {
			user = session.cfg.Console.UserID
		}
		comments, err = view.AddComment(ctx, kind, objectID, user, *content)
	case "delete":
		comments, err = view.RemoveComment(ctx, kind, objectID, *commentID)
	}
	if errors.Is(err, console.ErrUserCancelled) {
		fmt.Fprintln(errOut, "nothing to do: missing --content or --id")
		return 2
	}
	if err != nil {
		return 1
	}
	if err := writeComments(out, comments); err != nil {
		fmt.Fprintf(errOut, "failed to write output: %v\n", err)
		return 1
	}
	return 0
}

// splitLeadingArg lets a positional argument come before the flags, as in
// "traces delete ID --yes".
func splitLeadingArg(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func parseSearchMode(raw string) (filter.SearchMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ids", "names", "ids-names":
		return filter.SearchIDsNames, nil
	case "full", "full-text", "text":
		return filter.SearchFullText, nil
	default:
		return "", fmt.Errorf("invalid search mode %q: expected ids or full", raw)
	}
}

func parseWindow(from, to string) (filter.TimeRange, error) {
	var window filter.TimeRange
	if value := strings.TrimSpace(from); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filter.TimeRange{}, fmt.Errorf("invalid --from: %w", err)
		}
		window.Start = parsed
	}
	if value := strings.TrimSpace(to); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filter.TimeRange{}, fmt.Errorf("invalid --to: %w", err)
		}
		window.End = parsed
	}
	return window, nil
}
