package activitypub

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"

	"github.com/solopub/solopub/internal/httpsig"
	"github.com/solopub/solopub/internal/httpx"
	"github.com/solopub/solopub/internal/to"
	"github.com/solopub/solopub/models"
)

// ActorShow serves the local actor document.
func ActorShow(env *Env, w http.ResponseWriter, r *http.Request) error {
	if chi.URLParam(r, "username") != env.Account.Username {
		return httpx.Error(http.StatusNotFound, fmt.Errorf("no such user"))
	}
	return to.ActivityJSON(w, env.Account.Actor.Properties)
}

// InboxCreate accepts a pushed activity. The payload is verified and
// queued; processing happens asynchronously so delivery latency at the
// sender stays low.
func InboxCreate(env *Env, w http.ResponseWriter, r *http.Request) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}

	// the signature must bind the payload we just read, not whatever
	// r.Body would replay
	verified := httpsig.Verify(r, raw, env.GetKey) == nil

	act := &models.IncomingActivity{
		SentByApActorID: objectID(body["actor"]),
		ApID:            stringFromAny(body["id"]),
		ApObject:        body,
		IsVerified:      verified,
		NextTry:         time.Now(),
	}
	if err := env.DB.Create(act).Error; err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// GetKey resolves the public key for a signature's keyId, fetching and
// caching the actor when it is not known yet.
func (e *Env) GetKey(keyID string) (crypto.PublicKey, error) {
	actorApID := trimKeyID(keyID)
	if actorApID == e.Account.ApID() {
		return pemToPublicKey(string(e.Account.Actor.PublicKeyPEM()))
	}
	actor, err := models.NewActors(e.DB).FindOrCreateByApID(actorApID, e.FetchActorFn(context.Background()))
	if err != nil {
		return nil, err
	}
	return pemToPublicKey(string(actor.PublicKeyPEM()))
}

// trimKeyID removes the #main-key suffix from the key id.
func trimKeyID(id string) string {
	if i := strings.Index(id, "#"); i != -1 {
		return id[:i]
	}
	return id
}

// pemToPublicKey converts a PEM encoded public key to a crypto.PublicKey.
func pemToPublicKey(pemEncoded string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemEncoded))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("pemToPublicKey: invalid pem")
	}
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pemToPublicKey: parsepkixpublickey: %w", err)
	}
	return publicKey, nil
}

// ObjectShow serves a local object by its public id. Deleted objects
// answer 410 with their tombstone.
func ObjectShow(env *Env, w http.ResponseWriter, r *http.Request) error {
	obj, err := models.NewOutboxObjects(env.DB).FindByPublicID(chi.URLParam(r, "publicID"))
	if err != nil {
		return httpx.Error(http.StatusNotFound, err)
	}
	switch obj.Visibility {
	case models.VisibilityPublic, models.VisibilityUnlisted:
	default:
		return httpx.Error(http.StatusNotFound, fmt.Errorf("no such object"))
	}
	if obj.IsDeleted {
		w.WriteHeader(http.StatusGone)
	}
	return to.ActivityJSON(w, obj.Properties)
}

// OutboxIndex serves the public outbox as an OrderedCollection.
func OutboxIndex(env *Env, w http.ResponseWriter, r *http.Request) error {
	var objects []*models.OutboxObject
	err := env.DB.
		Where("visibility = ? AND is_deleted = false AND is_transient = false", models.VisibilityPublic).
		Order("id DESC").Limit(20).
		Find(&objects).Error
	if err != nil {
		return err
	}
	var count int64
	err = env.DB.Model(&models.OutboxObject{}).
		Where("visibility = ? AND is_deleted = false AND is_transient = false", models.VisibilityPublic).
		Count(&count).Error
	if err != nil {
		return err
	}
	items := make([]any, 0, len(objects))
	for _, obj := range objects {
		items = append(items, obj.Properties)
	}
	return to.ActivityJSON(w, map[string]any{
		"@context":     ASContext,
		"id":           fmt.Sprintf("https://%s%s", r.Host, r.URL.Path),
		"type":         "OrderedCollection",
		"totalItems":   count,
		"orderedItems": items,
	})
}

// FollowersIndex serves the followers collection. Only the count is
// published.
func FollowersIndex(env *Env, w http.ResponseWriter, r *http.Request) error {
	count, err := models.NewFollowers(env.DB).Count()
	if err != nil {
		return err
	}
	return collection(w, r, count)
}

// FollowingIndex serves the following collection. Only the count is
// published.
func FollowingIndex(env *Env, w http.ResponseWriter, r *http.Request) error {
	count, err := models.NewFollowings(env.DB).Count()
	if err != nil {
		return err
	}
	return collection(w, r, count)
}

func collection(w http.ResponseWriter, r *http.Request, count int64) error {
	return to.ActivityJSON(w, map[string]any{
		"@context":   ASContext,
		"id":         fmt.Sprintf("https://%s%s", r.Host, r.URL.Path),
		"type":       "OrderedCollection",
		"totalItems": count,
	})
}

// WebmentionParams is the form body of a webmention notification.
type WebmentionParams struct {
	Source string `schema:"source,required" json:"source"`
	Target string `schema:"target,required" json:"target"`
}

// WebmentionCreate accepts a webmention and queues it for
// verification. The source is only trusted after the worker has
// confirmed it links to the target.
func WebmentionCreate(env *Env, w http.ResponseWriter, r *http.Request) error {
	var params WebmentionParams
	if err := httpx.Params(r, &params); err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	for _, u := range []string{params.Source, params.Target} {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return httpx.Error(http.StatusBadRequest, fmt.Errorf("invalid url %q", u))
		}
	}
	if !env.isLocal(params.Target) {
		return httpx.Error(http.StatusBadRequest, fmt.Errorf("target %q is not served here", params.Target))
	}
	act := &models.IncomingActivity{
		WebmentionSource: params.Source,
		WebmentionTarget: params.Target,
		NextTry:          time.Now(),
	}
	if err := env.DB.Create(act).Error; err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}
