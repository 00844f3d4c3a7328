package engine

import (
	"database/sql"
	"fmt"
	"time"

	"leadline/internal/config"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// Engine evaluates access decisions and drives the task lifecycle. It is
// stateless and reentrant; every call depends only on its inputs and the
// store, so concurrent calls need no in-process locking.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) location() *time.Location {
	if e.Config != nil {
		return e.Config.Location()
	}
	return time.UTC
}

// ValidationError reports malformed or semantically invalid input. Detected
// before any mutation is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
