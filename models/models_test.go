package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solopub/solopub/internal/snowflake"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require := require.New(t)
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger: logger.Default.LogMode(func() logger.LogLevel {
			return logger.Warn
		}()),
	})
	require.NoError(err)

	err = db.AutoMigrate(AllTables()...)
	require.NoError(err)

	// enable foreign key constraints
	err = db.Exec("PRAGMA foreign_keys = ON").Error
	require.NoError(err)

	return db
}

// MockAccount creates the node's local account.
func MockAccount(t *testing.T, tx *gorm.DB) *Account {
	t.Helper()
	require := require.New(t)

	account, err := NewAccounts(tx).Create("example.com", "alice", "Alice", "hunter2hunter2")
	require.NoError(err)
	return account
}

// WithActorType overrides the type of a mock actor.
func WithActorType(typ string) func(map[string]any) {
	return func(props map[string]any) {
		props["type"] = typ
	}
}

// MockActor creates a remote actor in the database.
func MockActor(t *testing.T, tx *gorm.DB, name, domain string, opts ...func(map[string]any)) *Actor {
	t.Helper()
	require := require.New(t)

	apID := fmt.Sprintf("https://%s/users/%s", domain, name)
	props := map[string]any{
		"id":                apID,
		"type":              "Person",
		"preferredUsername": name,
		"name":              name,
		"inbox":             apID + "/inbox",
		"outbox":            apID + "/outbox",
		"followers":         apID + "/followers",
	}
	for _, opt := range opts {
		opt(props)
	}
	actor := &Actor{Properties: props}
	require.NoError(tx.Create(actor).Error)
	return actor
}

// MockNote creates a public note in the outbox.
func MockNote(t *testing.T, tx *gorm.DB, account *Account, content string) *OutboxObject {
	t.Helper()
	require := require.New(t)

	id := snowflake.Now()
	apID := fmt.Sprintf("https://%s/o/%d", account.Domain, id)
	note := &OutboxObject{
		ID:       id,
		PublicID: fmt.Sprintf("%d", id),
		Properties: map[string]any{
			"id":           apID,
			"type":         "Note",
			"attributedTo": account.ApID(),
			"content":      content,
			"to":           []any{"https://www.w3.org/ns/activitystreams#Public"},
		},
		Source:       content,
		Visibility:   VisibilityPublic,
		Conversation: fmt.Sprintf("https://%s/contexts/%d", account.Domain, id),
	}
	require.NoError(tx.Create(note).Error)
	return note
}

// MockRemoteNote creates a note received from a remote actor.
func MockRemoteNote(t *testing.T, tx *gorm.DB, actor *Actor, content string, opts ...func(*InboxObject)) *InboxObject {
	t.Helper()
	require := require.New(t)

	id := snowflake.Now()
	apID := fmt.Sprintf("%s/notes/%d", actor.ApID, id)
	note := &InboxObject{
		ID:      id,
		ActorID: actor.ID,
		Server:  actor.Server,
		Properties: map[string]any{
			"id":           apID,
			"type":         "Note",
			"attributedTo": actor.ApID,
			"content":      content,
			"to":           []any{"https://www.w3.org/ns/activitystreams#Public"},
		},
		Visibility:   VisibilityPublic,
		Conversation: apID,
	}
	for _, opt := range opts {
		opt(note)
	}
	require.NoError(tx.Create(note).Error)
	return note
}

// MockReaction creates a Like or Announce of target by actor.
func MockReaction(t *testing.T, tx *gorm.DB, actor *Actor, target *OutboxObject, typ string) *InboxObject {
	t.Helper()
	require := require.New(t)

	id := snowflake.Now()
	reaction := &InboxObject{
		ID:      id,
		ActorID: actor.ID,
		Server:  actor.Server,
		Properties: map[string]any{
			"id":     fmt.Sprintf("%s/activities/%d", actor.ApID, id),
			"type":   typ,
			"actor":  actor.ApID,
			"object": target.ApID,
		},
		Visibility:              VisibilityDirect,
		ActivityObjectApID:      target.ApID,
		RelatesToOutboxObjectID: &target.ID,
		IsHiddenFromStream:      true,
	}
	require.NoError(tx.Create(reaction).Error)
	return reaction
}

// MockQuestion creates an open oneOf poll in the outbox.
func MockQuestion(t *testing.T, tx *gorm.DB, account *Account, pollType string, answers ...string) *OutboxObject {
	t.Helper()
	require := require.New(t)

	id := snowflake.Now()
	apID := fmt.Sprintf("https://%s/o/%d", account.Domain, id)
	items := make([]any, 0, len(answers))
	for _, name := range answers {
		items = append(items, map[string]any{
			"type": "Note",
			"name": name,
			"replies": map[string]any{
				"type":       "Collection",
				"totalItems": 0,
			},
		})
	}
	poll := &OutboxObject{
		ID:       id,
		PublicID: fmt.Sprintf("%d", id),
		Properties: map[string]any{
			"id":           apID,
			"type":         "Question",
			"attributedTo": account.ApID(),
			"content":      "favourite colour?",
			"endTime":      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"votersCount":  0,
			pollType:       items,
		},
		Visibility:   VisibilityPublic,
		Conversation: apID,
	}
	require.NoError(tx.Create(poll).Error)
	return poll
}
