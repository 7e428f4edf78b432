// Package db opens the local persistence layer shared by the ledger and the
// session store.
package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/session"
)

// Open connects to the database behind dsn. Postgres DSNs (postgres:// or
// key=value form) use the postgres driver; anything else is treated as a
// sqlite path. TranslateError is required so unique-constraint violations
// surface as gorm.ErrDuplicatedKey on both drivers.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{TranslateError: true}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: opening %s: %w", dsn, err)
	}
	return gdb, nil
}

// Migrate creates or updates the ledger and session tables.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&ledger.Transaction{}, &session.PaymentSession{}); err != nil {
		return fmt.Errorf("db: migrating schema: %w", err)
	}
	return nil
}
