// Package app wires the database, engines and session guard shared by the CLI,
// the HTTP server and tests.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"taskhub/internal/config"
	"taskhub/internal/db"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
	"taskhub/internal/logging"
	"taskhub/internal/migrate"
	"taskhub/internal/session"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Auth   auth.Service
	Guard  *session.Guard
	Log    *slog.Logger
}

// Open opens the workspace database, applies pending migrations and builds the services.
func Open(cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.Discard()
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("database ready", "path", db.Path(cfg.Database.Workspace))
	return &App{
		Config: cfg,
		DB:     conn,
		Engine: engine.New(conn),
		Auth:   auth.New(conn),
		Guard: session.NewGuard(session.Config{
			Secret:      cfg.Session.Secret,
			TTL:         cfg.Session.TTL,
			RememberTTL: cfg.Session.RememberTTL,
		}),
		Log: log,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
