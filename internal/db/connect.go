// Package db opens the SQL database behind the bot engine and manages its
// schema and seed data.
package db

import (
	"fmt"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kajialsoad/cnz-sub006/internal/config"
)

// MySQLDSN builds a DSN for a MySQL-compatible server. An empty database
// name connects without selecting a schema.
func MySQLDSN(host string, port int, user, password, database string) string {
	mc := mysqldriver.NewConfig()
	mc.Net = "tcp"
	mc.Addr = host + ":" + strconv.Itoa(port)
	mc.User = user
	mc.Passwd = password
	mc.DBName = database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// PostgresDSN builds a key/value DSN for PostgreSQL.
func PostgresDSN(host string, port int, user, password, database string) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable", host, port, user, database)
	if password != "" {
		dsn += " password=" + password
	}
	return dsn
}

// DSN returns the connection string for cfg. An explicit DSN wins over the
// host fields.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	switch cfg.Driver {
	case "mysql":
		return MySQLDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
	case "postgres":
		return PostgresDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
	}
	return cfg.Name + ".db"
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	}
	return nil, fmt.Errorf("db: unsupported driver %q", driver)
}

// Open opens a GORM connection for cfg. SQLite is limited to one open
// connection unless configured otherwise, which serialises writers instead
// of failing them with SQLITE_BUSY.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	d, err := dialector(cfg.Driver, DSN(cfg))
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s %s: %w", cfg.Driver, cfg.Name, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 && cfg.Driver == "sqlite" {
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	return db, nil
}

// ConnectAdmin opens a connection to the server without selecting a
// database, used for CREATE DATABASE. SQLite has no server and is rejected.
func ConnectAdmin(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dsn string
	switch cfg.Driver {
	case "mysql":
		dsn = MySQLDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, "")
	case "postgres":
		dsn = PostgresDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, "postgres")
	default:
		return nil, fmt.Errorf("db: admin connect: driver %q has no server", cfg.Driver)
	}
	d, err := dialector(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	switch adminDB.Dialector.Name() {
	case "postgres":
		var n int64
		if err := adminDB.Raw("SELECT count(*) FROM pg_database WHERE datname = ?", name).Scan(&n).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
		if n > 0 {
			return nil
		}
		if err := adminDB.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, name)).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
	default:
		if err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)).Error; err != nil {
			return fmt.Errorf("db: create database %s: %w", name, err)
		}
	}
	return nil
}
