package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ongoingai/tracedesk/internal/config"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// parseAssignments turns key=value pairs into a metadata patch. Values that
// read as JSON literals (numbers, booleans, null) keep their type.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected key=value", pair)
		}
		out[key] = literalValue(strings.TrimSpace(value))
	}
	return out, nil
}

func literalValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if number, err := strconv.ParseFloat(raw, 64); err == nil {
		return number
	}
	return raw
}
