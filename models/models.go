// Package models contains the durable entity model for the federation
// node: actors, the inbox and outbox object stores, follower
// relationships, poll answers, notifications, and the delivery queue
// rows that the background workers drain.
package models

import (
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// Env represents the global environment passed to every engine and
// queue operation. There is no ambient state; anything that touches
// the database or logs does so through an Env.
type Env struct {
	// DB is the database connection.
	DB *gorm.DB
	// Logger is the structured logger for the process.
	Logger *slog.Logger
}

func (e *Env) Log() *slog.Logger {
	return e.Logger
}

// AllTables returns a slice of all tables in the database.
func AllTables() []interface{} {
	return []interface{}{
		&Account{},
		&Actor{},
		&InboxObject{},
		&OutboxObject{},
		&Follower{}, &Following{},
		&IncomingActivity{}, &OutgoingActivity{},
		&Notification{},
		&PollAnswer{},
		&Webmention{},
	}
}

// forEach runs each fn in order, stopping at the first error.
func forEach(tx *gorm.DB, fns ...func(*gorm.DB) error) error {
	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}
