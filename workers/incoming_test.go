package workers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/models"
)

func claimIncoming(t *testing.T, tx *gorm.DB, row *models.IncomingActivity) (*models.IncomingActivities, *models.IncomingActivity) {
	t.Helper()
	require := require.New(t)

	row.NextTry = time.Now().Add(-time.Second)
	require.NoError(tx.Create(row).Error)
	queue := models.NewIncomingActivities(tx)
	act, err := queue.FetchNext()
	require.NoError(err)
	require.NotNil(act)
	return queue, act
}

func TestIncomingProcessor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("verified activities reach the inbox engine", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		bob := &models.Actor{
			Properties: map[string]any{
				"id":                "https://remote.example/users/bob",
				"type":              "Person",
				"preferredUsername": "bob",
				"inbox":             "https://remote.example/users/bob/inbox",
			},
		}
		require.NoError(tx.Create(bob).Error)
		note, err := activitypub.NewOutbox(env).CreateNote(ctx, activitypub.NoteParams{Source: "likeable"})
		require.NoError(err)

		queue, act := claimIncoming(t, tx, &models.IncomingActivity{
			SentByApActorID: bob.ApID,
			ApID:            bob.ApID + "/activities/1",
			ApObject: map[string]any{
				"id":     bob.ApID + "/activities/1",
				"type":   "Like",
				"actor":  bob.ApID,
				"object": note.ApID,
			},
			IsVerified: true,
		})

		p := &incomingProcessor{env: env, inbox: activitypub.NewInbox(env)}
		p.process(ctx, queue, act)

		var got models.IncomingActivity
		require.NoError(tx.Take(&got, act.ID).Error)
		require.True(got.IsProcessed)

		var liked models.OutboxObject
		require.NoError(tx.Take(&liked, note.ID).Error)
		require.Equal(1, liked.LikesCount)
	})

	t.Run("unverified payloads are parked for good", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		queue, act := claimIncoming(t, tx, &models.IncomingActivity{
			SentByApActorID: "https://remote.example/users/bob",
			ApID:            "https://remote.example/activities/2",
			ApObject: map[string]any{
				"id":    "https://remote.example/activities/2",
				"type":  "Like",
				"actor": "https://remote.example/users/bob",
			},
			IsVerified: false,
		})

		p := &incomingProcessor{env: env, inbox: activitypub.NewInbox(env)}
		p.process(ctx, queue, act)

		var got models.IncomingActivity
		require.NoError(tx.Take(&got, act.ID).Error)
		require.False(got.IsProcessed)
		require.True(got.IsErrored)
		require.Equal(1, got.Tries)
	})

	t.Run("webmentions are verified against their source", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		note, err := activitypub.NewOutbox(env).CreateNote(ctx, activitypub.NoteParams{Source: "cite me"})
		require.NoError(err)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<article><a class="u-in-reply-to" href="%s">a reply</a></article>`, note.ApID)
		}))
		defer srv.Close()

		queue, act := claimIncoming(t, tx, &models.IncomingActivity{
			WebmentionSource: srv.URL + "/reply",
			WebmentionTarget: note.ApID,
		})

		p := &incomingProcessor{env: env, inbox: activitypub.NewInbox(env)}
		p.process(ctx, queue, act)

		var got models.IncomingActivity
		require.NoError(tx.Take(&got, act.ID).Error)
		require.True(got.IsProcessed)

		var mention models.Webmention
		require.NoError(tx.Where("target = ?", note.ApID).Take(&mention).Error)
		require.Equal(models.WebmentionReply, mention.Type)
		require.Equal(srv.URL+"/reply", mention.Source)

		var target models.OutboxObject
		require.NoError(tx.Take(&target, note.ID).Error)
		require.Equal(1, target.WebmentionsCount)

		var notifs []models.Notification
		err = tx.Where("type = ?", models.NotificationNewWebmention).Find(&notifs).Error
		require.NoError(err)
		require.Len(notifs, 1)
	})

	t.Run("a source that stopped linking retracts the mention", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		note, err := activitypub.NewOutbox(env).CreateNote(ctx, activitypub.NoteParams{Source: "cite me"})
		require.NoError(err)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<article>all links gone</article>`)
		}))
		defer srv.Close()

		source := srv.URL + "/reply"
		_, err = models.NewWebmentions(tx).Upsert(source, note, models.WebmentionReply)
		require.NoError(err)

		queue, act := claimIncoming(t, tx, &models.IncomingActivity{
			WebmentionSource: source,
			WebmentionTarget: note.ApID,
		})
		p := &incomingProcessor{env: env, inbox: activitypub.NewInbox(env)}
		p.process(ctx, queue, act)

		var mention models.Webmention
		require.NoError(tx.Where("source = ?", source).Take(&mention).Error)
		require.True(mention.IsDeleted)

		var target models.OutboxObject
		require.NoError(tx.Take(&target, note.ID).Error)
		require.Equal(0, target.WebmentionsCount)

		var notifs []models.Notification
		err = tx.Where("type = ?", models.NotificationDeletedWebmention).Find(&notifs).Error
		require.NoError(err)
		require.Len(notifs, 1)
	})
}
