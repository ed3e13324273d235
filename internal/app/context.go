package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"secflow/internal/config"
	"secflow/internal/db"
	"secflow/internal/engine"
	"secflow/internal/migrate"
	"secflow/internal/repo"
)

// Workspace bundles what every command needs: the migrated database, the
// loaded configuration and an engine wired to both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine
}

// Open prepares a workspace directory. A missing secflow.yml falls back to
// the built-in catalog so a fresh directory works without `sf init`.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.New(conn)
	eng := engine.New(r, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return &Workspace{Dir: dir, DB: conn, Repo: r, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Init writes the default config. It refuses to overwrite unless force is set.
func Init(dir, projectID string, force bool) (string, error) {
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return path, err
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return path, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
