package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ongoingai/tracedesk/internal/api"
	"github.com/ongoingai/tracedesk/internal/backend"
)

const defaultDiagnosticsFormat = "text"

func runConnections(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	switch args[0] {
	case "list":
		return runConnectionsList(args[1:], out, errOut)
	case "set":
		return runConnectionsSet(args[1:], out, errOut)
	case "delete":
		return runConnectionsDelete(args[1:], out, errOut)
	default:
		printUsage(errOut)
		return 2
	}
}

func runConnectionsList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connections list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("connections list", *format, "text")
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
	items, err := session.client.ListConnections(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list connections: %v\n", err)
		return 1
	}
	if normalizedFormat == "json" {
		err = writeIndentedJSON(out, api.ConnectionList{Items: items})
	} else {
		err = writeConnections(out, items)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write output: %v\n", err)
		return 1
	}
	return 0
}

func runConnectionsSet(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connections set", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	adapter := flagSet.String("adapter", "openai", "Provider adapter")
	apiBase := flagSet.String("api-base", "", "Provider API base URL")
	secretKey := flagSet.String("secret-key", "", "Provider secret key")
	secretKeyEnv := flagSet.String("secret-key-env", "", "Read the provider secret key from this environment variable")
	withDefaults := flagSet.Bool("default-models", true, "Offer the adapter's default models")
	var models, headers stringList
	flagSet.Var(&models, "model", "Custom model name (repeatable)")
	flagSet.Var(&headers, "header", "Extra request header Name=value (repeatable)")
	provider, rest := splitLeadingArg(args)
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}
	if provider == "" && flagSet.NArg() == 1 {
		provider = flagSet.Arg(0)
	}
	if strings.TrimSpace(provider) == "" {
		fmt.Fprintln(errOut, "usage: tracedesk connections set PROVIDER --secret-key KEY")
		return 2
	}

	secret := strings.TrimSpace(*secretKey)
	if name := strings.TrimSpace(*secretKeyEnv); secret == "" && name != "" {
		secret = strings.TrimSpace(os.Getenv(name))
	}
	extraHeaders := make(map[string]string, len(headers))
	for _, raw := range headers {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			fmt.Fprintf(errOut, "invalid header %q: expected Name=value\n", raw)
			return 2
		}
		extraHeaders[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open console: %v\n", err)
		return 1
	}
	defer session.close()
	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()
	saved, err := session.client.UpsertConnection(ctx, api.UpsertConnectionRequest{
		Provider:          provider,
		Adapter:           *adapter,
		BaseURL:           *apiBase,
		SecretKey:         secret,
		CustomModels:      models,
		WithDefaultModels: *withDefaults,
		ExtraHeaders:      extraHeaders,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to save connection: %v\n", err)
		if backend.IsStatus(err, http.StatusBadRequest) || backend.IsStatus(err, http.StatusNotImplemented) {
			return 2
		}
		return 1
	}
	fmt.Fprintf(out, "saved connection %s (%s)\n", saved.Provider, saved.SecretKeyPreview)
	return 0
}

func runConnectionsDelete(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connections delete", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	provider, rest := splitLeadingArg(args)
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}
	if provider == "" && flagSet.NArg() == 1 {
		provider = flagSet.Arg(0)
	}
	if strings.TrimSpace(provider) == "" {
		fmt.Fprintln(errOut, "usage: tracedesk connections delete PROVIDER")
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
	if err := session.client.DeleteConnection(ctx, provider); err != nil {
		fmt.Fprintf(errOut, "failed to delete connection: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "deleted connection %s\n", provider)
	return 0
}

func runDiagnostics(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := registerConsoleFlags(flagSet)
	format := flagSet.String("format", defaultDiagnosticsFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "diagnostics does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("diagnostics", *format, defaultDiagnosticsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	session, err := openConsoleSession(flags, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve diagnostics endpoint: %v\n", err)
		return 1
	}
	defer session.close()
	ctx, cancel := context.WithTimeout(context.Background(), session.cfg.Console.Deadline)
	defer cancel()

	health, err := session.client.Health(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read health: %v\n", err)
		return 1
	}
	document, err := session.client.IngestDiagnostics(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read diagnostics: %v\n", err)
		return 1
	}
	if normalizedFormat == "json" {
		err = writeIndentedJSON(out, document)
	} else {
		err = writeDiagnosticsText(out, health, document, session.client.BaseURL())
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write diagnostics output: %v\n", err)
		return 1
	}
	return 0
}
