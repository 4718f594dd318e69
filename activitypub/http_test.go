package activitypub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"

	"github.com/solopub/solopub/internal/httpx"
	"github.com/solopub/solopub/models"
)

func testRouter(env *Env) http.Handler {
	envFn := func(r *http.Request) *Env { return env }
	c := chi.NewRouter()
	c.Post("/inbox", httpx.HandlerFunc(envFn, InboxCreate))
	c.Post("/webmentions", httpx.HandlerFunc(envFn, WebmentionCreate))
	c.Get("/o/{publicID}", httpx.HandlerFunc(envFn, ObjectShow))
	c.Get("/users/{username}", httpx.HandlerFunc(envFn, ActorShow))
	c.Get("/users/{username}/outbox", httpx.HandlerFunc(envFn, OutboxIndex))
	c.Get("/users/{username}/followers", httpx.HandlerFunc(envFn, FollowersIndex))
	return c
}

func TestActorShow(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()

	env := testEnv(t, tx)
	router := testRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/users/alice", nil))
	require.Equal(http.StatusOK, rec.Code)
	require.Contains(rec.Header().Get("Content-Type"), "application/activity+json")

	var doc map[string]any
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(env.Account.ApID(), doc["id"])
	require.Equal("Person", doc["type"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/users/mallory", nil))
	require.Equal(http.StatusNotFound, rec.Code)
}

func TestObjectShow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("public objects are served", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		note, err := NewOutbox(env).CreateNote(ctx, NoteParams{Source: "hi"})
		require.NoError(err)

		rec := httptest.NewRecorder()
		testRouter(env).ServeHTTP(rec, httptest.NewRequest("GET", "/o/"+note.PublicID, nil))
		require.Equal(http.StatusOK, rec.Code)

		var doc map[string]any
		require.NoError(json.Unmarshal(rec.Body.Bytes(), &doc))
		require.Equal(note.ApID, doc["id"])
	})

	t.Run("deleted objects answer gone", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		outbox := NewOutbox(env)
		note, err := outbox.CreateNote(ctx, NoteParams{Source: "hi"})
		require.NoError(err)
		_, err = outbox.Delete(ctx, note.ApID)
		require.NoError(err)

		rec := httptest.NewRecorder()
		testRouter(env).ServeHTTP(rec, httptest.NewRequest("GET", "/o/"+note.PublicID, nil))
		require.Equal(http.StatusGone, rec.Code)

		var doc map[string]any
		require.NoError(json.Unmarshal(rec.Body.Bytes(), &doc))
		require.Equal("Tombstone", doc["type"])
	})

	t.Run("non-public objects stay hidden", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		mockActor(t, tx, "bob", "remote.example")
		note, err := NewOutbox(env).CreateNote(ctx, NoteParams{
			Source:     "psst @bob@remote.example",
			Visibility: models.VisibilityDirect,
		})
		require.NoError(err)

		rec := httptest.NewRecorder()
		testRouter(env).ServeHTTP(rec, httptest.NewRequest("GET", "/o/"+note.PublicID, nil))
		require.Equal(http.StatusNotFound, rec.Code)
	})
}

func TestInboxCreateHandler(t *testing.T) {
	require := require.New(t)
	db := setupTestDB(t)
	tx := db.Begin()
	defer tx.Rollback()

	env := testEnv(t, tx)
	body := `{"id":"https://remote.example/activities/1","type":"Like","actor":"https://remote.example/users/bob","object":"x"}`
	req := httptest.NewRequest("POST", "/inbox", strings.NewReader(body))
	rec := httptest.NewRecorder()
	testRouter(env).ServeHTTP(rec, req)
	require.Equal(http.StatusAccepted, rec.Code)

	var rows []struct {
		SentByApActorID string
		ApID            string
		IsVerified      bool
	}
	err := tx.Table("incoming_activities").Find(&rows).Error
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal("https://remote.example/users/bob", rows[0].SentByApActorID)
	require.Equal("https://remote.example/activities/1", rows[0].ApID)
	// no Signature header on the request
	require.False(rows[0].IsVerified)
}

func TestWebmentionCreate(t *testing.T) {
	db := setupTestDB(t)

	post := func(t *testing.T, env *Env, form url.Values) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest("POST", "/webmentions", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		testRouter(env).ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid mentions are queued", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		rec := post(t, env, url.Values{
			"source": []string{"https://blog.example/entry"},
			"target": []string{env.BaseURL() + "/o/1"},
		})
		require.Equal(http.StatusAccepted, rec.Code)

		var count int64
		err := tx.Table("incoming_activities").Where("webmention_source <> ''").Count(&count).Error
		require.NoError(err)
		require.EqualValues(1, count)
	})

	t.Run("foreign targets are refused", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		rec := post(t, env, url.Values{
			"source": []string{"https://blog.example/entry"},
			"target": []string{"https://somewhere.else/o/1"},
		})
		require.Equal(http.StatusBadRequest, rec.Code)
	})

	t.Run("the form must be complete", func(t *testing.T) {
		require := require.New(t)
		tx := db.Begin()
		defer tx.Rollback()

		env := testEnv(t, tx)
		rec := post(t, env, url.Values{"source": []string{"https://blog.example/entry"}})
		require.Equal(http.StatusBadRequest, rec.Code)
	})
}
