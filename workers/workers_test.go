package workers

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require := require.New(t)
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	require.NoError(err)
	require.NoError(db.AutoMigrate(models.AllTables()...))
	return db
}

func testEnv(t *testing.T, tx *gorm.DB) *activitypub.Env {
	t.Helper()
	require := require.New(t)

	account, err := models.NewAccounts(tx).Create("example.com", "alice", "Alice", "hunter2hunter2")
	require.NoError(err)
	menv := &models.Env{
		DB:     tx,
		Logger: slog.New(slog.HandlerOptions{}.NewTextHandler(io.Discard)),
	}
	return activitypub.NewEnv(menv, account)
}

func TestQueueRetryBudget(t *testing.T) {
	db := setupTestDB(t)

	t.Run("zero keeps the defaults", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		require.Equal(models.DefaultMaxDeliveryTries, outgoingQueue(tx, 0).MaxTries)
		require.Equal(models.DefaultMaxProcessTries, incomingQueue(tx, 0).MaxTries)
	})

	t.Run("a configured budget bounds retries", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		note, err := activitypub.NewOutbox(env).CreateNote(context.Background(), activitypub.NoteParams{Source: "hi"})
		require.NoError(err)
		row := &models.OutgoingActivity{
			Recipient:      "https://remote.example/inbox",
			OutboxObjectID: &note.ID,
			NextTry:        time.Now().Add(-time.Second),
		}
		require.NoError(tx.Create(row).Error)

		queue := outgoingQueue(tx, 1)
		act, err := queue.FetchNext()
		require.NoError(err)
		require.NotNil(act)
		require.NoError(queue.RecordFailure(act, 0, "", errors.New("connection refused")))

		var got models.OutgoingActivity
		require.NoError(tx.Take(&got, row.ID).Error)
		require.True(got.IsErrored)
		require.Equal(1, got.Tries)
	})
}
