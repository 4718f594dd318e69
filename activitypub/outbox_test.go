package activitypub

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/solopub/solopub/internal/snowflake"
	"github.com/solopub/solopub/models"
)

// mockRemoteNote stores a note as if it had arrived from actor.
func mockRemoteNote(t *testing.T, tx *gorm.DB, actor *models.Actor, content string) *models.InboxObject {
	t.Helper()
	id := snowflake.Now()
	apID := fmt.Sprintf("%s/notes/%d", actor.ApID, id)
	note := &models.InboxObject{
		ID:      id,
		ActorID: actor.ID,
		Properties: map[string]any{
			"id":           apID,
			"type":         "Note",
			"attributedTo": actor.ApID,
			"content":      content,
			"to":           []any{ASPublic},
		},
		Visibility:   models.VisibilityPublic,
		Conversation: apID,
	}
	require.NoError(t, tx.Create(note).Error)
	return note
}

func TestOutboxFollow(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()

	env := testEnv(t, tx)
	bob := mockActor(t, tx, "bob", "remote.example")

	obj, err := NewOutbox(env).Follow(context.Background(), bob.ApID)
	require.NoError(err)
	require.Equal("Follow", obj.ApType)
	require.True(obj.IsTransient)
	require.Equal(bob.ApID, obj.Properties["object"])

	following, err := models.NewFollowings(tx).FindByFollowApID(obj.ApID)
	require.NoError(err)
	require.False(following.IsAccepted)

	acts := deliveries(t, tx, obj)
	require.Len(acts, 1)
	require.Equal(bob.InboxURL(), acts[0].Recipient)
	require.Equal(0, acts[0].Tries)
	require.WithinDuration(time.Now(), acts[0].NextTry, time.Minute)
}

func TestOutboxCreateNote(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("public notes go to the followers", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		bob := mockActor(t, tx, "bob", "remote.example")
		mockFollower(t, tx, env, bob)

		obj, err := NewOutbox(env).CreateNote(ctx, NoteParams{Source: "hello, world"})
		require.NoError(err)
		require.Equal("Note", obj.ApType)
		require.Equal(models.VisibilityPublic, obj.Visibility)
		require.Equal([]string{ASPublic}, obj.Properties["to"])
		require.Contains(obj.Properties["cc"], env.Account.FollowersURL())
		require.True(strings.HasPrefix(obj.Conversation, env.BaseURL()+"/contexts/"))

		acts := deliveries(t, tx, obj)
		require.Len(acts, 1)
		require.Equal(bob.InboxURL(), acts[0].Recipient)
	})

	t.Run("replies join the parent conversation", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		bob := mockActor(t, tx, "bob", "remote.example")
		parent := mockRemoteNote(t, tx, bob, "anyone awake?")

		obj, err := NewOutbox(env).CreateNote(ctx, NoteParams{Source: "me", InReplyTo: parent.ApID})
		require.NoError(err)
		require.Equal(parent.ApID, obj.Properties["inReplyTo"])
		require.Equal(parent.Conversation, obj.Conversation)
		require.True(obj.IsHiddenFromHomepage)

		var got models.InboxObject
		require.NoError(tx.Take(&got, parent.ID).Error)
		require.Equal(1, got.RepliesCount)

		// the author hears about the reply even without following us
		acts := deliveries(t, tx, obj)
		require.Len(acts, 1)
		require.Equal(bob.InboxURL(), acts[0].Recipient)
	})

	t.Run("a reply to an unknown parent is refused", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		_, err := NewOutbox(env).CreateNote(ctx, NoteParams{
			Source:    "into the void",
			InReplyTo: "https://remote.example/notes/404",
		})
		require.Error(err)
	})

	t.Run("direct notes reach only the mentioned", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		bob := mockActor(t, tx, "bob", "remote.example")
		carol := mockActor(t, tx, "carol", "other.example")
		mockFollower(t, tx, env, carol)

		obj, err := NewOutbox(env).CreateNote(ctx, NoteParams{
			Source:     "psst @bob@remote.example",
			Visibility: models.VisibilityDirect,
		})
		require.NoError(err)
		require.Equal([]string{bob.ApID}, obj.Properties["to"])
		tags := obj.Properties["tag"].([]any)
		require.Len(tags, 1)
		require.Equal("@bob@remote.example", tags[0].(map[string]any)["name"])

		acts := deliveries(t, tx, obj)
		require.Len(acts, 1)
		require.Equal(bob.InboxURL(), acts[0].Recipient)
	})

	t.Run("links in public notes queue webmentions", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		obj, err := NewOutbox(env).CreateNote(ctx, NoteParams{
			Source: "read https://blog.example/entry",
		})
		require.NoError(err)

		acts := deliveries(t, tx, obj)
		require.Len(acts, 1)
		require.Equal("https://blog.example/entry", acts[0].WebmentionTarget)
		require.Empty(acts[0].Recipient)
	})

	t.Run("bad input is rejected", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		_, err := NewOutbox(env).CreateNote(ctx, NoteParams{Source: "  "})
		require.Error(err)
		_, err = NewOutbox(env).CreateNote(ctx, NoteParams{Source: "hi", Visibility: "friends"})
		require.Error(err)
	})
}

func TestOutboxCreateQuestion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("polls start with zeroed tallies", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		obj, err := NewOutbox(env).CreateQuestion(ctx, QuestionParams{
			Source:   "favourite colour?",
			Answers:  []string{"red", "green"},
			PollType: "oneOf",
			Duration: time.Hour,
		})
		require.NoError(err)
		require.Equal("Question", obj.ApType)
		require.Equal("oneOf", obj.PollType())
		require.False(obj.IsPollEnded())

		items := obj.PollItems()
		require.Len(items, 2)
		require.Equal("red", items[0].Name)
		require.Equal(0, items[0].VotesCount)
	})

	t.Run("validation", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		outbox := NewOutbox(env)
		_, err := outbox.CreateQuestion(ctx, QuestionParams{
			Source: "?", Answers: []string{"only"}, PollType: "oneOf", Duration: time.Hour,
		})
		require.Error(err)
		_, err = outbox.CreateQuestion(ctx, QuestionParams{
			Source: "?", Answers: []string{"a", "b"}, PollType: "someOf", Duration: time.Hour,
		})
		require.Error(err)
		_, err = outbox.CreateQuestion(ctx, QuestionParams{
			Source: "?", Answers: []string{"a", "b"}, PollType: "anyOf",
		})
		require.Error(err)
	})
}

func TestOutboxLike(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()
	ctx := context.Background()

	env := testEnv(t, tx)
	bob := mockActor(t, tx, "bob", "remote.example")
	note := mockRemoteNote(t, tx, bob, "nice weather")

	outbox := NewOutbox(env)
	obj, err := outbox.Like(ctx, note.ApID)
	require.NoError(err)
	require.Equal("Like", obj.ApType)
	require.True(obj.IsTransient)

	var got models.InboxObject
	require.NoError(tx.Take(&got, note.ID).Error)
	require.Equal(obj.ApID, got.LikedViaOutboxObjectApID)

	acts := deliveries(t, tx, obj)
	require.Len(acts, 1)
	require.Equal(bob.InboxURL(), acts[0].Recipient)

	_, err = outbox.Like(ctx, note.ApID)
	require.Error(err)
}

func TestOutboxUndo(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()
	ctx := context.Background()

	env := testEnv(t, tx)
	bob := mockActor(t, tx, "bob", "remote.example")

	outbox := NewOutbox(env)
	follow, err := outbox.Follow(ctx, bob.ApID)
	require.NoError(err)

	undo, err := outbox.Undo(ctx, follow.ApID)
	require.NoError(err)
	require.Equal("Undo", undo.ApType)

	var followings []models.Following
	require.NoError(tx.Find(&followings).Error)
	require.Empty(followings)

	var original models.OutboxObject
	require.NoError(tx.Take(&original, follow.ID).Error)
	require.NotNil(original.UndoneByOutboxObjectID)

	acts := deliveries(t, tx, undo)
	require.Len(acts, 1)
	require.Equal(bob.InboxURL(), acts[0].Recipient)

	// a second undo has nothing left to reverse
	_, err = outbox.Undo(ctx, follow.ApID)
	require.Error(err)
}

func TestOutboxDelete(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()
	ctx := context.Background()

	env := testEnv(t, tx)
	outbox := NewOutbox(env)
	parent, err := outbox.CreateNote(ctx, NoteParams{Source: "root"})
	require.NoError(err)
	reply, err := outbox.CreateNote(ctx, NoteParams{Source: "own reply", InReplyTo: parent.ApID})
	require.NoError(err)

	var got models.OutboxObject
	require.NoError(tx.Take(&got, parent.ID).Error)
	require.Equal(1, got.RepliesCount)

	del, err := outbox.Delete(ctx, reply.ApID)
	require.NoError(err)
	require.Equal("Delete", del.ApType)

	require.NoError(tx.Take(&got, parent.ID).Error)
	require.Equal(0, got.RepliesCount)

	require.NoError(tx.Take(&got, reply.ID).Error)
	require.True(got.IsDeleted)
	require.Equal("Tombstone", got.Properties["type"])

	// the counter is given back exactly once
	_, err = outbox.Delete(ctx, reply.ApID)
	require.Error(err)
	require.NoError(tx.Take(&got, parent.ID).Error)
	require.Equal(0, got.RepliesCount)
}

func TestOutboxUpdate(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()
	ctx := context.Background()

	env := testEnv(t, tx)
	outbox := NewOutbox(env)
	note, err := outbox.CreateNote(ctx, NoteParams{Source: "frist"})
	require.NoError(err)

	activity, err := outbox.Update(ctx, note.ApID, "first")
	require.NoError(err)
	require.Equal("Update", activity.ApType)

	var got models.OutboxObject
	require.NoError(tx.Take(&got, note.ID).Error)
	require.Equal("first", got.Source)
	require.Equal("first", got.Properties["content"])
	require.Len(got.Revisions, 1)
	require.Equal("frist", got.Revisions[0].Source)
}

func TestOutboxBlock(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()
	ctx := context.Background()

	env := testEnv(t, tx)
	bob := mockActor(t, tx, "bob", "remote.example")
	mockFollower(t, tx, env, bob)

	obj, err := NewOutbox(env).Block(ctx, bob.ApID)
	require.NoError(err)
	require.Equal("Block", obj.ApType)

	var got models.Actor
	require.NoError(tx.Take(&got, bob.ID).Error)
	require.True(got.IsBlocked)

	// blocking drops the follower relationship
	var followers []models.Follower
	require.NoError(tx.Find(&followers).Error)
	require.Empty(followers)
}
