// Package svcctx provides service context for dependency injection via context.
// This package is separate from the command layer to avoid import cycles.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/ahalverson/docmill/internal/audit"
	"github.com/ahalverson/docmill/internal/blob"
	"github.com/ahalverson/docmill/internal/cache"
	"github.com/ahalverson/docmill/internal/config"
	"github.com/ahalverson/docmill/internal/home"
	"github.com/ahalverson/docmill/internal/pipeline"
	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/search"
	"github.com/ahalverson/docmill/internal/store"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store     *store.Store
	Blobs     blob.Store
	Cache     cache.Cache
	Index     *search.SQLIndexer
	Queue     *queue.Queue
	Pipeline  *pipeline.Pipeline
	Audit     *audit.Emitter
	ConfigMgr *config.Manager
	Logger    *slog.Logger
	Home      *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the document store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// BlobsFrom extracts the blob store from context.
func BlobsFrom(ctx context.Context) blob.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Blobs
	}
	return nil
}

// CacheFrom extracts the cache from context.
func CacheFrom(ctx context.Context) cache.Cache {
	if s := ServicesFrom(ctx); s != nil {
		return s.Cache
	}
	return nil
}

// IndexFrom extracts the search indexer from context.
func IndexFrom(ctx context.Context) *search.SQLIndexer {
	if s := ServicesFrom(ctx); s != nil {
		return s.Index
	}
	return nil
}

// QueueFrom extracts the task queue from context.
func QueueFrom(ctx context.Context) *queue.Queue {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// PipelineFrom extracts the processing pipeline from context.
func PipelineFrom(ctx context.Context) *pipeline.Pipeline {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pipeline
	}
	return nil
}

// AuditFrom extracts the audit emitter from context.
func AuditFrom(ctx context.Context) *audit.Emitter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Audit
	}
	return nil
}

// ConfigManagerFrom extracts the config manager from context.
func ConfigManagerFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigMgr
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
