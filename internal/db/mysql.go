package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"platilloadmin/internal/config"
)

func OpenMySQL(cfg config.MySQLConfig) (*sql.DB, error) {
	if err := ensureDatabaseExists(cfg); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn(cfg, cfg.DBName))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func dsn(cfg config.MySQLConfig, dbName string) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = cfg.Host + ":" + cfg.Port
	c.DBName = dbName
	c.ParseTime = true
	c.Loc = time.UTC
	c.Collation = "utf8mb4_unicode_ci"
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

func ensureDatabaseExists(cfg config.MySQLConfig) error {
	dbName := strings.TrimSpace(cfg.DBName)
	if dbName == "" {
		return fmt.Errorf("empty DB_NAME")
	}

	adminDB, err := sql.Open("mysql", dsn(cfg, ""))
	if err != nil {
		return err
	}
	defer adminDB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := adminDB.PingContext(ctx); err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		quoteIdent(dbName),
	)
	_, createErr := adminDB.ExecContext(ctx, stmt)
	if createErr == nil {
		return nil
	}

	// Without CREATE DATABASE rights an existing database is still usable.
	db, err := sql.Open("mysql", dsn(cfg, dbName))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("create database %q failed: %v; fallback connection failed: %w", dbName, createErr, err)
	}
	return nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
