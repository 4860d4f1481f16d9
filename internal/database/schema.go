package database

import (
	"fmt"
	"time"
)

const createTableChangesSQL = `CREATE TABLE IF NOT EXISTS table_changes(
  id INT AUTO_INCREMENT PRIMARY KEY,
  table_name VARCHAR(255) NOT NULL,
  primary_key VARCHAR(255) NOT NULL,
  date DATETIME NOT NULL)`

const createSyncStatusSQL = `CREATE TABLE IF NOT EXISTS sync_status(
  id VARCHAR(32) PRIMARY KEY,
  table_name VARCHAR(255) NOT NULL,
  primary_key VARCHAR(255) NOT NULL,
  remote VARCHAR(32) NOT NULL,
  date DATETIME NOT NULL,
  status ENUM('successful','pending','error') NOT NULL,
  message VARCHAR(255) NULL)`

const listSyncTriggersSQL = `SELECT TRIGGER_NAME FROM information_schema.TRIGGERS
  WHERE TRIGGER_SCHEMA = DATABASE() AND TRIGGER_NAME LIKE 'mysqlSync%'`

const primaryKeyColumnSQL = `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
  WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
  ORDER BY ORDINAL_POSITION LIMIT 1`

const (
	triggerPrefix = "mysqlSync"

	triggerKindInsert = "Insert"
	triggerKindUpdate = "Update"
	triggerKindDelete = "Delete"
)

// changeLogRow is one trigger-captured mutation awaiting pickup.
type changeLogRow struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Table      string    `gorm:"column:table_name;size:255;not null"`
	PrimaryKey string    `gorm:"column:primary_key;size:255;not null"`
	Date       time.Time `gorm:"column:date;not null"`
}

func (changeLogRow) TableName() string { return "table_changes" }

// statusRow is the persisted replication outcome for one (table, id, peer).
type statusRow struct {
	ID         string    `gorm:"column:id;primaryKey;size:32"`
	Table      string    `gorm:"column:table_name;size:255;not null"`
	PrimaryKey string    `gorm:"column:primary_key;size:255;not null"`
	Remote     string    `gorm:"column:remote;size:32;not null"`
	Date       time.Time `gorm:"column:date;not null"`
	Status     string    `gorm:"column:status;not null"`
	Message    *string   `gorm:"column:message;size:255"`
}

func (statusRow) TableName() string { return "sync_status" }

func triggerName(kind, table string) string {
	return triggerPrefix + kind + "_" + table
}

// captureTriggerSQL renders the trigger that records a row mutation in
// table_changes. Insert and update triggers read the key from NEW, the delete
// trigger from OLD.
func captureTriggerSQL(kind, table, primaryKey string) string {
	event := map[string]string{
		triggerKindInsert: "INSERT",
		triggerKindUpdate: "UPDATE",
		triggerKindDelete: "DELETE",
	}[kind]
	keySource := "NEW"
	if kind == triggerKindDelete {
		keySource = "OLD"
	}
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW INSERT INTO table_changes(table_name, primary_key, date) VALUES('%s', %s.%s, NOW())",
		triggerName(kind, table), event, table, table, keySource, primaryKey)
}
