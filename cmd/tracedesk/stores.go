package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ongoingai/tracedesk/internal/config"
	"github.com/ongoingai/tracedesk/internal/connections"
	"github.com/ongoingai/tracedesk/internal/trace"
)

type serviceStores struct {
	traces      trace.Store
	connections connections.Store
}

func (s *serviceStores) Close() error {
	if s == nil || s.traces == nil {
		return nil
	}
	return s.traces.Close()
}

type dbStore interface {
	trace.Store
	DB() *sql.DB
}

func openTraceStore(cfg config.Config) (dbStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// openServiceStores opens the trace store and the connection store. In sql
// mode the connection table shares the trace database and is seeded from
// the configured connections.
func openServiceStores(ctx context.Context, cfg config.Config) (*serviceStores, error) {
	traceStore, err := openTraceStore(cfg)
	if err != nil {
		return nil, err
	}
	stores := &serviceStores{traces: traceStore}

	seed := connectionsFromConfig(cfg.LLM.Connections)
	switch strings.TrimSpace(cfg.LLM.ConnectionStore) {
	case "", config.ConnectionStoreStatic:
		stores.connections = connections.NewStaticStore(seed)
	case config.ConnectionStoreSQL:
		sqlStore, err := connections.NewSQLStore(traceStore.DB(), cfg.Storage.Driver)
		if err != nil {
			_ = traceStore.Close()
			return nil, err
		}
		if err := sqlStore.Seed(ctx, seed); err != nil {
			_ = traceStore.Close()
			return nil, fmt.Errorf("seed llm connections: %w", err)
		}
		stores.connections = sqlStore
	default:
		_ = traceStore.Close()
		return nil, fmt.Errorf("unsupported llm.connection_store %q", cfg.LLM.ConnectionStore)
	}
	return stores, nil
}

func connectionsFromConfig(items []config.ConnectionConfig) []connections.Connection {
	out := make([]connections.Connection, 0, len(items))
	for _, item := range items {
		out = append(out, connections.Connection{
			Provider:          item.Provider,
			Adapter:           item.Adapter,
			BaseURL:           item.BaseURL,
			SecretKey:         item.SecretKey,
			CustomModels:      append([]string(nil), item.CustomModels...),
			WithDefaultModels: item.WithDefaultModels,
			ExtraHeaders:      item.ExtraHeaders,
		})
	}
	return out
}
