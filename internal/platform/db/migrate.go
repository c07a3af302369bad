package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsTable = "_migrations"

// Migrator applies the versioned "NNN_name.up.sql" files to the public
// schema. Concurrent replicas serialize on the driver's advisory lock.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

// NewMigrator creates a Migrator reading the migrations bundled with the
// binary.
func NewMigrator(pool *pgxpool.Pool) *Migrator {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return NewMigratorFS(pool, sub)
}

// NewMigratorFS creates a Migrator reading migration files from the root of fsys.
func NewMigratorFS(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys}
}

// EnsureSchema brings the database up to the latest bundled migration.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	return NewMigrator(pool).Up(ctx)
}

// Versions lists the migration versions found in the source, ascending.
// Duplicate versions are an error.
func (m *Migrator) Versions() ([]uint, error) {
	src, err := iofs.New(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	defer src.Close()
	return sourceVersions(src)
}

func sourceVersions(src source.Driver) ([]uint, error) {
	v, err := src.First()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	versions := []uint{v}
	for {
		v, err = src.Next(v)
		if errors.Is(err, os.ErrNotExist) {
			return versions, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read migrations: %w", err)
		}
		versions = append(versions, v)
	}
}

// Up applies all pending migrations in version order and returns how many
// were applied. Cancelling ctx stops after the migration in progress.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	versions, err := m.Versions()
	if err != nil {
		return 0, err
	}
	mg, err := m.open()
	if err != nil {
		return 0, err
	}
	defer mg.Close()

	before, err := currentVersion(mg)
	if err != nil {
		return 0, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mg.GracefulStop <- true
		case <-done:
		}
	}()

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	after, err := currentVersion(mg)
	if err != nil {
		return 0, err
	}
	return countBetween(versions, before, after), nil
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	if m.pool == nil {
		return nil, errors.New("no database connection")
	}
	src, err := iofs.New(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	drv, err := pgxmigrate.WithInstance(stdlib.OpenDBFromPool(m.pool), &pgxmigrate.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return mg, nil
}

func currentVersion(mg *migrate.Migrate) (uint, error) {
	v, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

// countBetween counts versions in (from, to].
func countBetween(versions []uint, from, to uint) int {
	n := 0
	for _, v := range versions {
		if v > from && v <= to {
			n++
		}
	}
	return n
}
