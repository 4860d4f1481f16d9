// Package database owns the MySQL side of the pipeline: trigger-based change
// capture, change-log polling, applying peer changes and maintaining the
// sync_status audit table. The gateway starts disconnected and (re)connects
// from its tick; while disconnected, incoming work is buffered on a durable
// queue and replayed once the connection returns.
package database

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/config"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/queue"
	"go.uber.org/zap"
	mysqldriver "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	messageNoConnection = "Could not connect to database"
	messageIDMismatch   = "Sent id does not match entity id!"

	pendingQueueFile = "database.json"
)

var errMissingHub = errors.New("event hub is required")

// pendingRecord is one buffered unit of work for the database queue. Exactly
// one of Change and Status is set.
type pendingRecord struct {
	Change *hub.Change       `json:"change,omitempty"`
	Status *hub.StatusChange `json:"status,omitempty"`
}

// GatewayConfig configures the database gateway.
type GatewayConfig struct {
	Hub            *hub.Hub
	MySQL          config.MySQLConfig
	SyncTables     []string
	ReceiveTables  []string
	QueueDirectory string
	Logger         *zap.Logger
	Clock          func() time.Time
	// OpenDB overrides how the connection is opened. Tests swap in an
	// in-memory database here.
	OpenDB func() (*gorm.DB, error)
}

// Gateway is the database side of the replication pipeline.
type Gateway struct {
	events        *hub.Hub
	syncTables    []string
	bidirectional map[string]bool
	logger        *zap.Logger
	clock         func() time.Time
	openDB        func() (*gorm.DB, error)

	// mu guards db and connected for read-only observers on other
	// goroutines; all writes happen on the hub's dispatch goroutine.
	mu          sync.RWMutex
	db          *gorm.DB
	connected   bool
	primaryKeys map[string]string
	pending     *queue.Queue[pendingRecord]
}

func (g *Gateway) setState(db *gorm.DB, connected bool) {
	g.mu.Lock()
	g.db = db
	g.connected = connected
	g.mu.Unlock()
}

// NewGateway constructs a disconnected gateway and registers its listeners
// on the hub. The first Tick establishes the connection.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	openDB := cfg.OpenDB
	if openDB == nil {
		dsn := cfg.MySQL.DSN()
		openDB = func() (*gorm.DB, error) {
			return gorm.Open(mysqldriver.Open(dsn), &gorm.Config{Logger: logger.Discard})
		}
	}

	pending, err := queue.Open[pendingRecord](filepath.Join(cfg.QueueDirectory, pendingQueueFile))
	if err != nil {
		return nil, err
	}

	bidirectional := make(map[string]bool)
	receive := make(map[string]bool, len(cfg.ReceiveTables))
	for _, table := range cfg.ReceiveTables {
		receive[table] = true
	}
	for _, table := range cfg.SyncTables {
		if receive[table] {
			bidirectional[table] = true
		}
	}

	gateway := &Gateway{
		events:        cfg.Hub,
		syncTables:    append([]string(nil), cfg.SyncTables...),
		bidirectional: bidirectional,
		logger:        log,
		clock:         clock,
		openDB:        openDB,
		primaryKeys:   make(map[string]string),
		pending:       pending,
	}

	cfg.Hub.OnLocalSaveChange(gateway.apply)
	cfg.Hub.OnRemoteStatusChange(gateway.applyStatus)
	cfg.Hub.OnDatabaseConnect(gateway.drainPending)

	return gateway, nil
}

// Connected reports whether the last connectivity probe succeeded.
func (g *Gateway) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connected
}

// Query runs a read query on behalf of a transformer. The connection stays
// owned by the gateway.
func (g *Gateway) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	g.mu.RLock()
	db, connected := g.db, g.connected
	g.mu.RUnlock()
	if !connected {
		return nil, errors.New(messageNoConnection)
	}
	var rows []map[string]any
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		normalizeRow(row)
	}
	return rows, nil
}

// StatusRecord is the exported view of one sync_status row.
type StatusRecord struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	PrimaryKey string    `json:"primary_key"`
	Remote     string    `json:"remote"`
	Date       time.Time `json:"date"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
}

// RecentStatuses returns the newest sync_status rows for operators.
func (g *Gateway) RecentStatuses(ctx context.Context, limit int) ([]StatusRecord, error) {
	g.mu.RLock()
	db, connected := g.db, g.connected
	g.mu.RUnlock()
	if !connected {
		return nil, errors.New(messageNoConnection)
	}
	var rows []statusRow
	if err := db.WithContext(ctx).Order("date DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]StatusRecord, 0, len(rows))
	for _, row := range rows {
		record := StatusRecord{
			ID:         row.ID,
			Table:      row.Table,
			PrimaryKey: row.PrimaryKey,
			Remote:     row.Remote,
			Date:       row.Date,
			Status:     row.Status,
		}
		if row.Message != nil {
			record.Message = *row.Message
		}
		records = append(records, record)
	}
	return records, nil
}

// Tick verifies connectivity, reconnecting and re-running setup when the
// probe fails, then picks up at most one captured change from the log.
func (g *Gateway) Tick(ctx context.Context) {
	if g.connected {
		if err := g.db.WithContext(ctx).Exec("SELECT 'connected'").Error; err != nil {
			g.setState(nil, false)
			g.logger.Warn("database connection lost", zap.Error(err))
			if emitErr := g.events.EmitDatabaseDisconnect(ctx); emitErr != nil {
				g.logger.Error("database-disconnect listener failed", zap.Error(emitErr))
			}
		}
	}

	if !g.connected {
		if err := g.connect(ctx); err != nil {
			if emitErr := g.events.EmitDatabaseError(ctx, err); emitErr != nil {
				g.logger.Error("database-error listener failed", zap.Error(emitErr))
			}
			return
		}
	}

	if err := g.pollChange(ctx); err != nil {
		g.logger.Error("change poll failed", zap.Error(err))
		if emitErr := g.events.EmitDatabaseError(ctx, err); emitErr != nil {
			g.logger.Error("database-error listener failed", zap.Error(emitErr))
		}
	}
}

func (g *Gateway) connect(ctx context.Context) error {
	db, err := g.openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	g.setState(db, false)
	if err := g.setupDatabase(ctx); err != nil {
		g.setState(nil, false)
		return fmt.Errorf("database setup: %w", err)
	}
	g.setState(db, true)
	g.logger.Info("database connected")
	return g.events.EmitDatabaseConnect(ctx)
}

// setupDatabase idempotently creates the bookkeeping tables, drops every
// previously installed capture trigger and installs fresh triggers for the
// current sync set.
func (g *Gateway) setupDatabase(ctx context.Context) error {
	db := g.db.WithContext(ctx)
	if err := db.Exec(createTableChangesSQL).Error; err != nil {
		return err
	}
	if err := db.Exec(createSyncStatusSQL).Error; err != nil {
		return err
	}

	var existing []string
	if err := db.Raw(listSyncTriggersSQL).Scan(&existing).Error; err != nil {
		return err
	}
	for _, name := range existing {
		if err := db.Exec("DROP TRIGGER IF EXISTS " + name).Error; err != nil {
			return err
		}
	}

	for _, table := range g.syncTables {
		primaryKey, err := g.primaryKeyColumn(ctx, table)
		if err != nil {
			return err
		}
		for _, kind := range []string{triggerKindUpdate, triggerKindInsert, triggerKindDelete} {
			if err := db.Exec(captureTriggerSQL(kind, table, primaryKey)).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// primaryKeyColumn resolves and caches the primary-key column of a table.
// The schema is considered stable for the process lifetime.
func (g *Gateway) primaryKeyColumn(ctx context.Context, table string) (string, error) {
	if column, ok := g.primaryKeys[table]; ok {
		return column, nil
	}
	var column string
	if err := g.db.WithContext(ctx).Raw(primaryKeyColumnSQL, table).Scan(&column).Error; err != nil {
		return "", err
	}
	if column == "" {
		return "", fmt.Errorf("table %s has no primary key", table)
	}
	g.primaryKeys[table] = column
	return column, nil
}

// pollChange takes the oldest captured mutation, removes it from the log,
// loads the current row state and hands it to the hub. A missing row means
// the mutation was a delete.
func (g *Gateway) pollChange(ctx context.Context) error {
	db := g.db.WithContext(ctx)

	var entry changeLogRow
	err := db.Order("date ASC").Limit(1).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := db.Exec("DELETE FROM table_changes WHERE id = ?", entry.ID).Error; err != nil {
		return err
	}

	entity, err := g.fetchRow(ctx, entry.Table, entry.PrimaryKey)
	if err != nil {
		return err
	}

	return g.events.EmitLocalChange(ctx, hub.LocalChange{
		Table:  entry.Table,
		ID:     entry.PrimaryKey,
		Entity: entity,
	})
}

func (g *Gateway) fetchRow(ctx context.Context, table, id string) (hub.Row, error) {
	primaryKey, err := g.primaryKeyColumn(ctx, table)
	if err != nil {
		return nil, err
	}
	row := map[string]any{}
	err = g.db.WithContext(ctx).Table(table).Where(primaryKey+" = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return normalizeRow(row), nil
}

// apply writes one incoming peer change to the local database and records
// the outcome as a sync_status audit row keyed by the original sender. While
// the database is down the change is buffered on the pending queue and
// reported as failed so the sender learns the outcome.
func (g *Gateway) apply(ctx context.Context, change hub.Change) error {
	if !g.connected {
		if err := g.pending.Push(pendingRecord{Change: &change}); err != nil {
			g.logger.Error("buffering change failed", zap.Error(err))
		}
		return g.emitSaveFailed(ctx, change, messageNoConnection)
	}

	if err := g.applyConnected(ctx, change); err != nil {
		return g.emitSaveFailed(ctx, change, err.Error())
	}

	g.recordOutcome(ctx, change, hub.StatusSuccessful, "")
	return g.events.EmitLocalSaveSuccessful(ctx, hub.ChangeInfo{
		Sender: change.Sender,
		Table:  change.Table,
		ID:     change.ID,
		Date:   change.Date,
	})
}

// recordOutcome persists this node's view of an apply as a sync_status row.
// The row is stamped with the local clock so a replayed success outranks an
// earlier buffered failure.
func (g *Gateway) recordOutcome(ctx context.Context, change hub.Change, status hub.StatusKind, message string) {
	err := g.applyStatus(ctx, hub.StatusChange{
		Sender:  change.Sender,
		Table:   change.Table,
		ID:      change.ID,
		Date:    g.clock().UnixMilli(),
		Status:  status,
		Message: message,
	})
	if err != nil {
		g.logger.Error("status row write failed", zap.Error(err))
	}
}

func (g *Gateway) applyConnected(ctx context.Context, change hub.Change) error {
	primaryKey, err := g.primaryKeyColumn(ctx, change.Table)
	if err != nil {
		return err
	}

	if change.Entity != nil {
		if fmt.Sprint(change.Entity[primaryKey]) != change.ID {
			return errors.New(messageIDMismatch)
		}
	}

	db := g.db.WithContext(ctx)
	if change.Entity == nil {
		if err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", change.Table, primaryKey), change.ID).Error; err != nil {
			return err
		}
	} else {
		var count int64
		if err := db.Table(change.Table).Where(primaryKey+" = ?", change.ID).Count(&count).Error; err != nil {
			return err
		}
		entity := map[string]any(change.Entity)
		if count == 0 {
			if err := db.Table(change.Table).Create(&entity).Error; err != nil {
				return err
			}
		} else {
			if err := db.Table(change.Table).Where(primaryKey+" = ?", change.ID).Updates(entity).Error; err != nil {
				return err
			}
		}
	}

	if g.bidirectional[change.Table] {
		// The apply itself just fired the capture triggers; remove those log
		// rows before forwarding so the change is not processed twice.
		if err := db.Exec("DELETE FROM table_changes WHERE table_name = ? AND primary_key = ?", change.Table, change.ID).Error; err != nil {
			return err
		}
		if err := g.events.EmitLocalChange(ctx, hub.LocalChange{
			Table:  change.Table,
			ID:     change.ID,
			Entity: change.Entity,
			Except: change.Sender,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (g *Gateway) emitSaveFailed(ctx context.Context, change hub.Change, message string) error {
	g.recordOutcome(ctx, change, hub.StatusError, message)
	return g.events.EmitLocalSaveFailed(ctx, hub.ChangeError{
		ChangeInfo: hub.ChangeInfo{
			Sender: change.Sender,
			Table:  change.Table,
			ID:     change.ID,
			Date:   change.Date,
		},
		Message: message,
	})
}

// applyStatus upserts a sync_status row. Stored dates never move backwards:
// a report older than (or as old as) the stored one is dropped.
func (g *Gateway) applyStatus(ctx context.Context, status hub.StatusChange) error {
	if !g.connected {
		return g.pending.Push(pendingRecord{Status: &status})
	}

	db := g.db.WithContext(ctx)
	id := statusID(status.Table, status.ID, status.Sender)
	incoming := millisToTime(status.Date)

	var stored statusRow
	err := db.Where("id = ?", id).Take(&stored).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&statusRow{
			ID:         id,
			Table:      status.Table,
			PrimaryKey: status.ID,
			Remote:     status.Sender,
			Date:       incoming,
			Status:     string(status.Status),
			Message:    optionalMessage(status.Message),
		}).Error
	case err != nil:
		return err
	}

	if !stored.Date.Before(incoming) {
		return nil
	}

	return db.Model(&statusRow{}).Where("id = ?", id).Updates(map[string]any{
		"date":    incoming,
		"status":  string(status.Status),
		"message": optionalMessage(status.Message),
	}).Error
}

// drainPending replays buffered work after a reconnect, stopping early if
// the connection drops again mid-drain.
func (g *Gateway) drainPending(ctx context.Context) error {
	for g.connected {
		record, ok, err := g.pending.Poll()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch {
		case record.Change != nil:
			if err := g.apply(ctx, *record.Change); err != nil {
				return err
			}
		case record.Status != nil:
			if err := g.applyStatus(ctx, *record.Status); err != nil {
				return err
			}
		}
	}
	return nil
}

// statusID derives the sync_status key for one (table, row, peer) triple.
func statusID(table, id, remote string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(table+"-"+id+"-"+remote)))
}

func optionalMessage(message string) *string {
	if message == "" {
		return nil
	}
	return &message
}

func millisToTime(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

// normalizeRow rewrites driver byte slices as strings so entities survive a
// JSON round trip unchanged.
func normalizeRow(row map[string]any) hub.Row {
	for column, value := range row {
		if raw, ok := value.([]byte); ok {
			row[column] = string(raw)
		}
	}
	return row
}
