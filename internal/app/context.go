package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/engine"
	"queueline/internal/migrate"
	"queueline/internal/repo"
)

// Env is an opened workspace: database, config and an engine bound to both.
type Env struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine
}

// Open migrates the workspace database and builds the engine. A missing
// queueline.yml yields the default configuration.
func Open(workspace string, logger *slog.Logger) (*Env, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return &Env{DB: conn, Repo: repo.Repo{DB: conn}, Config: cfg, Engine: eng}, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}
