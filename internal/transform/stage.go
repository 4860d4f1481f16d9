// Package transform rewrites entities between nodes. A table may carry a
// transformer, looked up under the camel-cased table name: either a compiled
// transformer registered in-process, or a declarative CUE file in the
// configured transformer directory. Tables without one replicate verbatim.
package transform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
	"go.uber.org/zap"
)

var errMissingHub = errors.New("event hub is required")

// Querier runs a read query against the local database on behalf of a
// transformer.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Publisher gives transformers a publish-only handle on the bus for
// side-channel lookups.
type Publisher interface {
	PublishRaw(topic string, payload []byte)
}

// Context carries one transformation call.
type Context struct {
	Table  string
	ID     string
	Entity hub.Row
	Source string
	Target string
	DB     Querier
	Bus    Publisher
}

// Func rewrites an entity for one (source, target) pair. Returning a nil row
// drops the entity, which the receiving side treats as a delete.
type Func func(ctx context.Context, call *Context) (hub.Row, error)

// StageConfig configures the transformer stage.
type StageConfig struct {
	Hub           *hub.Hub
	Self          string
	RemoteClients []string
	Directory     string
	// Registry maps camel-cased table names to compiled transformers. It
	// takes precedence over CUE files of the same name.
	Registry map[string]Func
	DB       Querier
	Bus      Publisher
	Logger   *zap.Logger
}

// Stage sits between the gateways: it fans local changes out to the peers
// and rewrites incoming peer changes before they are applied.
type Stage struct {
	events    *hub.Hub
	self      string
	peers     []string
	directory string
	registry  map[string]Func
	db        Querier
	bus       Publisher
	logger    *zap.Logger

	// cache holds one entry per table once looked up; nil means the table
	// has no transformer.
	cache map[string]Func
}

// NewStage constructs the stage and registers its listeners on the hub.
func NewStage(cfg StageConfig) (*Stage, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	stage := &Stage{
		events:    cfg.Hub,
		self:      cfg.Self,
		peers:     append([]string(nil), cfg.RemoteClients...),
		directory: cfg.Directory,
		registry:  cfg.Registry,
		db:        cfg.DB,
		bus:       cfg.Bus,
		logger:    log,
		cache:     make(map[string]Func),
	}

	cfg.Hub.OnLocalChange(stage.fanOut)
	cfg.Hub.OnRemoteChange(stage.applyInbound)

	return stage, nil
}

// fanOut transforms a local change once per configured peer and hands each
// result to the bus, skipping the peer the change originally came from.
func (s *Stage) fanOut(ctx context.Context, event hub.LocalChange) error {
	for _, peer := range s.peers {
		if peer == event.Except {
			continue
		}
		entity, err := s.transform(ctx, event.Table, event.ID, event.Entity, s.self, peer)
		if err != nil {
			return err
		}
		if err := s.events.EmitRemoteSendChange(ctx, hub.RemoteSend{
			Table:  event.Table,
			ID:     event.ID,
			Entity: entity,
			Peer:   peer,
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyInbound rewrites an incoming peer change for this node and forwards
// it to the database gateway.
func (s *Stage) applyInbound(ctx context.Context, change hub.Change) error {
	entity, err := s.transform(ctx, change.Table, change.ID, change.Entity, change.Sender, s.self)
	if err != nil {
		return err
	}
	change.Entity = entity
	return s.events.EmitLocalSaveChange(ctx, change)
}

// transform runs the table's transformer if one exists. Deletes (nil
// entities) pass through untransformed.
func (s *Stage) transform(ctx context.Context, table, id string, entity hub.Row, source, target string) (hub.Row, error) {
	if entity == nil {
		return nil, nil
	}
	fn, err := s.lookup(table)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return entity, nil
	}
	return fn(ctx, &Context{
		Table:  table,
		ID:     id,
		Entity: entity,
		Source: source,
		Target: target,
		DB:     s.db,
		Bus:    s.bus,
	})
}

// lookup resolves the transformer for a table, caching the result. Absence
// is cached too, so the directory is probed at most once per table; a
// transformer file that fails to compile is not cached and is probed again
// on the next lookup.
func (s *Stage) lookup(table string) (Func, error) {
	if cached, ok := s.cache[table]; ok {
		return cached, nil
	}
	name := camelCase(table)
	if fn, ok := s.registry[name]; ok {
		s.cache[table] = fn
		return fn, nil
	}
	if s.directory != "" {
		path := filepath.Join(s.directory, name+".cue")
		if _, err := os.Stat(path); err == nil {
			fn, err := compileCUETransformer(path)
			if err != nil {
				return nil, err
			}
			s.logger.Info("transformer loaded", zap.String("table", table), zap.String("file", path))
			s.cache[table] = fn
			return fn, nil
		}
	}
	s.cache[table] = nil
	return nil, nil
}

// camelCase converts a snake_case or kebab-case table name to the base name
// its transformer is discovered under: user_accounts -> userAccounts.
func camelCase(table string) string {
	parts := strings.FieldsFunc(table, func(r rune) bool { return r == '_' || r == '-' })
	if len(parts) == 0 {
		return table
	}
	var builder strings.Builder
	builder.WriteString(strings.ToLower(parts[0]))
	for _, part := range parts[1:] {
		builder.WriteString(strings.ToUpper(part[:1]))
		builder.WriteString(strings.ToLower(part[1:]))
	}
	return builder.String()
}
