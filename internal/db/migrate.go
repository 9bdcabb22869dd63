package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

var collectionPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// ValidCollection reports whether name can be used as a table name.
func ValidCollection(name string) bool {
	return collectionPattern.MatchString(name)
}

// Migrate creates the table backing a platillo collection.
func Migrate(ctx context.Context, db *sql.DB, collection string) error {
	if !ValidCollection(collection) {
		return fmt.Errorf("invalid collection name %q", collection)
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+quoteIdent(collection)+` (
			id          CHAR(36)      NOT NULL PRIMARY KEY,
			nombre      VARCHAR(255)  NOT NULL,
			precio      DECIMAL(10,2) NOT NULL,
			categoria   VARCHAR(32)   NOT NULL,
			descripcion TEXT          NOT NULL,
			imagen      VARCHAR(1024) NOT NULL DEFAULT '',
			existencia  TINYINT(1)    NOT NULL DEFAULT 1,
			creado      DATETIME(3)   NOT NULL,
			KEY idx_categoria (categoria),
			KEY idx_creado (creado)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", collection, err)
	}
	return nil
}
