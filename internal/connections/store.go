// Package connections stores the LLM provider connections used to run
// completions for newly created traces.
package connections

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotImplemented = errors.New("connection store method not implemented")
	ErrNotFound       = errors.New("llm connection not found")
	ErrInvalid        = errors.New("llm connection is invalid")
	// ErrNoConnection is returned by Default when nothing is configured.
	ErrNoConnection = errors.New("no llm connection configured")
)

const (
	AdapterOpenAI = "openai"
	// FallbackModel is used when a connection names no custom model.
	FallbackModel = "gpt-3.5-turbo"
)

var openAIDefaultModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}

// Connection is keyed by Provider.
type Connection struct {
	Provider          string
	Adapter           string
	BaseURL           string
	SecretKey         string
	CustomModels      []string
	WithDefaultModels bool
	ExtraHeaders      map[string]string
	UpdatedAt         time.Time
}

func (c Connection) clone() Connection {
	out := c
	out.CustomModels = append([]string(nil), c.CustomModels...)
	if c.ExtraHeaders != nil {
		out.ExtraHeaders = make(map[string]string, len(c.ExtraHeaders))
		for k, v := range c.ExtraHeaders {
			out.ExtraHeaders[k] = v
		}
	}
	return out
}

// Models lists the custom models first, then the adapter defaults when
// enabled, without duplicates.
func (c Connection) Models() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(model string) {
		model = strings.TrimSpace(model)
		if model == "" {
			return
		}
		if _, ok := seen[model]; ok {
			return
		}
		seen[model] = struct{}{}
		out = append(out, model)
	}
	for _, model := range c.CustomModels {
		add(model)
	}
	if c.WithDefaultModels && (c.Adapter == "" || c.Adapter == AdapterOpenAI) {
		for _, model := range openAIDefaultModels {
			add(model)
		}
	}
	return out
}

// DefaultModel is the first custom model, or FallbackModel.
func (c Connection) DefaultModel() string {
	for _, model := range c.CustomModels {
		if model = strings.TrimSpace(model); model != "" {
			return model
		}
	}
	return FallbackModel
}

// MaskedSecret shows only the last four characters of the secret key.
func (c Connection) MaskedSecret() string {
	secret := strings.TrimSpace(c.SecretKey)
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return "..." + secret[len(secret)-4:]
}

// Validate normalizes the connection in place.
func (c *Connection) Validate() error {
	c.Provider = strings.TrimSpace(c.Provider)
	c.Adapter = strings.ToLower(strings.TrimSpace(c.Adapter))
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.Provider == "" {
		return errors.Join(ErrInvalid, errors.New("provider is required"))
	}
	if c.Adapter == "" {
		c.Adapter = AdapterOpenAI
	}
	if c.Adapter != AdapterOpenAI {
		return errors.Join(ErrInvalid, errors.New("adapter must be openai"))
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.Join(ErrInvalid, errors.New("secret key is required"))
	}
	return nil
}

type Store interface {
	ListConnections(ctx context.Context) ([]Connection, error)
	GetConnection(ctx context.Context, provider string) (*Connection, error)
	UpsertConnection(ctx context.Context, conn Connection) (*Connection, error)
	DeleteConnection(ctx context.Context, provider string) error
}

// Default resolves the connection completions run against: the first one
// by provider name.
func Default(ctx context.Context, store Store) (*Connection, error) {
	if store == nil {
		return nil, ErrNoConnection
	}
	items, err := store.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoConnection
	}
	first := items[0].clone()
	return &first, nil
}

// StaticStore serves connections from configuration and rejects writes.
type StaticStore struct {
	items []Connection
}

var _ Store = (*StaticStore)(nil)
var _ Store = (*SQLStore)(nil)

func NewStaticStore(items []Connection) *StaticStore {
	copied := make([]Connection, 0, len(items))
	for _, item := range items {
		copied = append(copied, item.clone())
	}
	sort.Slice(copied, func(i, j int) bool { return copied[i].Provider < copied[j].Provider })
	return &StaticStore{items: copied}
}

func (s *StaticStore) ListConnections(context.Context) ([]Connection, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]Connection, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.clone())
	}
	return out, nil
}

func (s *StaticStore) GetConnection(_ context.Context, provider string) (*Connection, error) {
	if s != nil {
		provider = strings.TrimSpace(provider)
		for _, item := range s.items {
			if item.Provider == provider {
				found := item.clone()
				return &found, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *StaticStore) UpsertConnection(context.Context, Connection) (*Connection, error) {
	return nil, ErrNotImplemented
}

func (s *StaticStore) DeleteConnection(context.Context, string) error {
	return ErrNotImplemented
}
