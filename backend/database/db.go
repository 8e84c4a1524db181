package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	conn *gorm.DB
}

// New creates a new database connection and migrates the schema.
//
// dsn supports both SQLite and MySQL:
//   - SQLite: "./data/autopost.db" or any plain file path
//   - MySQL: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func New(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "./data/autopost.db"
	}

	var dialector gorm.Dialector
	if strings.Contains(dsn, "@tcp(") {
		dialector = mysql.Open(dsn)
	} else {
		// DriverName "sqlite" selects the cgo-free modernc driver
		dialector = sqlite.Dialector{DriverName: "sqlite", DSN: dsn}
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite tolerates only one writer; a single pooled connection keeps
	// concurrent claim transactions queued instead of failing with SQLITE_BUSY.
	if _, ok := dialector.(sqlite.Dialector); ok {
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Conn returns the underlying gorm connection
func (db *DB) Conn() *gorm.DB {
	return db.conn
}

func (db *DB) migrate() error {
	return db.conn.AutoMigrate(
		&WorkItemModel{},
		&TaskModel{},
		&ExecutionRecordModel{},
		&SiteContextModel{},
		&SiteCategoryModel{},
	)
}
