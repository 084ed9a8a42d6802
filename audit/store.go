package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// AuditLog is a row of table audit_log.
type AuditLog struct {
	Id         string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	EventType  string    `gorm:"column:event_type;type:varchar(100);not null;index"`
	UserId     string    `gorm:"column:user_id;type:varchar(64);index"`
	EntityType string    `gorm:"column:entity_type;type:varchar(100)"`
	EntityId   string    `gorm:"column:entity_id;type:varchar(64)"`
	Payload    string    `gorm:"column:payload;type:text"` // json
	CreatedAt  time.Time `gorm:"column:created_at;not null;index"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Store of audit logs.
type Store interface {
	Save(rail core.Rail, log AuditLog) error
}

// Store backed by gorm.
type GormStore struct {
	db *gorm.DB
}

// Create GormStore, table audit_log is migrated.
func NewGormStore(rail core.Rail, db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&AuditLog{}); err != nil {
		return nil, core.WrapErrf(err, "failed to migrate table audit_log")
	}
	rail.Debug("Migrated table audit_log")
	return &GormStore{db: db}, nil
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Save audit log, Id and CreatedAt are generated if missing.
func (s *GormStore) Save(rail core.Rail, log AuditLog) error {
	if log.Id == "" {
		log.Id = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	db := s.db.WithContext(rail.Context())
	if core.IsDebugLevel() {
		db = db.Debug()
	}
	if err := db.Create(&log).Error; err != nil {
		return core.WrapErrf(err, "failed to save audit log, event_type: %v", log.EventType)
	}
	return nil
}

// Close the underlying database.
func (s *GormStore) Close() error {
	sdb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sdb.Close()
}

/*
Open GormStore using the loaded configuration.

This func looks for following props:

	"audit.store"
	"sqlite.file"
	"sqlite.wal.enabled"
	"mysql.dsn"
	"mysql.max-open-conns"
	"mysql.connection.lifetime"
*/
func OpenStoreFromProp(rail core.Rail) (*GormStore, error) {
	var db *gorm.DB
	var err error
	switch kind := strings.ToLower(core.GetPropStr(PropAuditStore)); kind {
	case StoreSqlite:
		db, err = NewSqliteConn(rail, core.GetPropStr(PropSqliteFile), core.GetPropBool(PropSqliteWalEnabled))
	case StoreMySQL:
		db, err = NewMySQLConn(rail, core.GetPropStr(PropMySQLDsn), core.GetPropInt(PropMySQLMaxOpenConns),
			core.GetPropDur(PropMySQLConnLifetime, time.Minute))
	default:
		return nil, fmt.Errorf("unsupported audit store '%s', expected one of: %s, %s", kind, StoreSqlite, StoreMySQL)
	}
	if err != nil {
		return nil, err
	}
	return NewGormStore(rail, db)
}

// Create new SQLite connection.
func NewSqliteConn(rail core.Rail, path string, wal bool) (*gorm.DB, error) {
	rail.Infof("Connecting to SQLite database '%s', enable WAL: %v", path, wal)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite, %w", err)
	}
	tx, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to connect SQLite, %w", err)
	}
	if err := tx.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite, %w", err)
	}
	rail.Infof("SQLite connected: '%s'", path)

	// https://www.sqlite.org/pragma.html#pragma_journal_mode
	if wal {
		var mode string
		if err := db.Raw("PRAGMA journal_mode=WAL").Scan(&mode).Error; err != nil {
			return db, fmt.Errorf("failed to enable WAL mode, %w", err)
		}
		rail.Debugf("Enabled SQLite WAL mode, result: %v", mode)
	}
	return db, nil
}

// Create new MySQL connection.
func NewMySQLConn(rail core.Rail, dsn string, maxOpenConns int, maxLifetime time.Duration) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("property '%s' is required", PropMySQLDsn)
	}
	rail.Info("Connecting to MySQL database")
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL, %w", err)
	}
	sdb, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to connect MySQL, %w", err)
	}
	sdb.SetMaxOpenConns(maxOpenConns)
	sdb.SetMaxIdleConns(maxOpenConns)
	sdb.SetConnMaxLifetime(maxLifetime)
	if err := sdb.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping MySQL, %w", err)
	}
	rail.Info("MySQL connected")
	return db, nil
}
