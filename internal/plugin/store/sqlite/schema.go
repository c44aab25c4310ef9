package sqlite

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Base schemas use IF NOT EXISTS throughout so ensure is idempotent and safe
// under concurrent first access from multiple processes.

const registrySchemaSQL = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	identity   TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	db_file    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	deleted_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_identity ON workspaces(identity);
`

const workspaceSchemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	title          TEXT NOT NULL,
	description    TEXT,
	status         TEXT NOT NULL DEFAULT 'todo',
	priority       TEXT NOT NULL DEFAULT 'medium',
	parent_task_id INTEGER,
	blocker_reason TEXT,
	tags           TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	completed_at   DATETIME,
	deleted_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted_at);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id       INTEGER NOT NULL,
	depends_on_id INTEGER NOT NULL,
	PRIMARY KEY (task_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_task_dependencies_target ON task_dependencies(depends_on_id);

CREATE TABLE IF NOT EXISTS entities (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	name        TEXT NOT NULL,
	identifier  TEXT,
	description TEXT,
	metadata    TEXT,
	tags        TEXT,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	deleted_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_entities_type_identifier ON entities(entity_type, identifier);
CREATE INDEX IF NOT EXISTS idx_entities_deleted ON entities(deleted_at);

CREATE TABLE IF NOT EXISTS task_entity_links (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    INTEGER NOT NULL,
	entity_id  INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_links_task ON task_entity_links(task_id);
CREATE INDEX IF NOT EXISTS idx_links_entity ON task_entity_links(entity_id);
CREATE INDEX IF NOT EXISTS idx_links_deleted ON task_entity_links(deleted_at);
`

// workspaceUpgrades are additive-only schema changes applied after the base
// tables exist. Attribution columns arrived after the initial release, so
// older workspace files gain them here.
var workspaceUpgrades = []struct {
	table  string
	column string
	ddl    string
}{
	{"tasks", "created_by", "ALTER TABLE tasks ADD COLUMN created_by TEXT"},
	{"tasks", "updated_by", "ALTER TABLE tasks ADD COLUMN updated_by TEXT"},
	{"entities", "created_by", "ALTER TABLE entities ADD COLUMN created_by TEXT"},
	{"entities", "updated_by", "ALTER TABLE entities ADD COLUMN updated_by TEXT"},
	{"task_entity_links", "created_by", "ALTER TABLE task_entity_links ADD COLUMN created_by TEXT"},
}

func migrateRegistry(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec(registrySchemaSQL).Error; err != nil {
		return fmt.Errorf("failed to apply registry schema: %w", err)
	}
	return nil
}

func migrateWorkspace(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec(workspaceSchemaSQL).Error; err != nil {
		return fmt.Errorf("failed to apply workspace schema: %w", err)
	}
	for _, up := range workspaceUpgrades {
		if err := ensureColumn(ctx, db, up.table, up.column, up.ddl); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn applies an additive column upgrade if the column is missing.
func ensureColumn(ctx context.Context, db *gorm.DB, table, column, ddl string) error {
	var count int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).
		Scan(&count).Error
	if err != nil {
		return fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	if err := db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}
