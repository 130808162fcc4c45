package server

import (
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies the research_tasks schema from dir (e.g. file://migrations)
// to dsn. Having nothing to apply is not an error.
func Migrate(dir, dsn, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if dsn == "" {
		return fmt.Errorf("migrate: database dsn is required")
	}
	m, err := migrate.New(dir, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Printf("[MIGRATE] no change (%s)", direction)
		return nil
	}
	if err != nil {
		return err
	}
	if v, dirty, verr := m.Version(); verr == nil {
		log.Printf("[MIGRATE] %s applied, version %d dirty=%v", direction, v, dirty)
	}
	return nil
}
