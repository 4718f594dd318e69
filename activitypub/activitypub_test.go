package activitypub

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solopub/solopub/internal/snowflake"
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

// testEnv creates the local account inside tx and binds an Env to it.
func testEnv(t *testing.T, tx *gorm.DB) *Env {
	t.Helper()
	require := require.New(t)

	account, err := models.NewAccounts(tx).Create("example.com", "alice", "Alice", "hunter2hunter2")
	require.NoError(err)
	menv := &models.Env{
		DB:     tx,
		Logger: slog.New(slog.HandlerOptions{}.NewTextHandler(io.Discard)),
	}
	return NewEnv(menv, account)
}

// mockActor creates a remote actor known to the node.
func mockActor(t *testing.T, tx *gorm.DB, name, domain string) *models.Actor {
	t.Helper()
	require := require.New(t)

	apID := fmt.Sprintf("https://%s/users/%s", domain, name)
	actor := &models.Actor{
		Properties: map[string]any{
			"id":                apID,
			"type":              "Person",
			"preferredUsername": name,
			"inbox":             apID + "/inbox",
			"outbox":            apID + "/outbox",
			"followers":         apID + "/followers",
		},
	}
	require.NoError(tx.Create(actor).Error)
	return actor
}

// mockFollower makes actor an accepted follower of the local account.
func mockFollower(t *testing.T, tx *gorm.DB, env *Env, actor *models.Actor) *models.Follower {
	t.Helper()
	require := require.New(t)

	id := snowflake.Now()
	follow := &models.InboxObject{
		ID:      id,
		ActorID: actor.ID,
		Properties: map[string]any{
			"id":     fmt.Sprintf("%s/activities/%d", actor.ApID, id),
			"type":   "Follow",
			"actor":  actor.ApID,
			"object": env.Account.ApID(),
		},
		IsHiddenFromStream: true,
	}
	require.NoError(tx.Create(follow).Error)
	follower, err := models.NewFollowers(tx).Upsert(actor, follow, true)
	require.NoError(err)
	return follower
}

func deliveries(t *testing.T, tx *gorm.DB, obj *models.OutboxObject) []models.OutgoingActivity {
	t.Helper()
	var acts []models.OutgoingActivity
	err := tx.Where("outbox_object_id = ?", obj.ID).Order("id").Find(&acts).Error
	require.NoError(t, err)
	return acts
}
