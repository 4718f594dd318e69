// Package activitypub implements the federation engines: the outbox engine
// which turns local intents into activities and queued deliveries, and the
// inbox engine which applies remote activities to local state.
package activitypub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/solopub/solopub/models"
)

const (
	// ASContext is the JSON-LD context attached to every outgoing document.
	ASContext = "https://www.w3.org/ns/activitystreams"

	// ASPublic is the special collection that marks an object as public.
	ASPublic = "https://www.w3.org/ns/activitystreams#Public"
)

var (
	// ErrNotVerified is returned when an incoming activity's HTTP signature
	// could not be verified against the sender's published key.
	ErrNotVerified = errors.New("activitypub: signature not verified")

	// ErrMalformed is returned when an incoming document is missing the
	// fields required to process it.
	ErrMalformed = errors.New("activitypub: malformed activity")
)

// Env wraps the model environment with the local account the node acts as.
type Env struct {
	*models.Env
	Account *models.Account
}

// NewEnv returns an Env for the given account.
func NewEnv(menv *models.Env, account *models.Account) *Env {
	return &Env{Env: menv, Account: account}
}

// BaseURL returns the https origin of the local account.
func (e *Env) BaseURL() string {
	return "https://" + e.Account.Domain
}

// NewClient returns a client that signs requests as the local account.
func (e *Env) NewClient() (*Client, error) {
	return NewClient(e.Account)
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func mapFromAny(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// anyToSlice normalises a JSON-LD value that may be a single value or a list.
func anyToSlice(v any) []any {
	switch v := v.(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// objectID returns the id of a JSON-LD value that may be a bare IRI or an
// embedded object.
func objectID(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		return stringFromAny(v["id"])
	default:
		return ""
	}
}

// visibility derives the audience of a document from its to and cc fields.
func visibility(props map[string]any, followers string) models.Visibility {
	to := recipientSet(props["to"])
	cc := recipientSet(props["cc"])
	switch {
	case to[ASPublic]:
		return models.VisibilityPublic
	case cc[ASPublic]:
		return models.VisibilityUnlisted
	case followers != "" && (to[followers] || cc[followers]):
		return models.VisibilityFollowersOnly
	default:
		return models.VisibilityDirect
	}
}

func recipientSet(v any) map[string]bool {
	set := make(map[string]bool)
	for _, r := range anyToSlice(v) {
		if id := objectID(r); id != "" {
			set[id] = true
		}
	}
	return set
}

// mentionedActorIDs returns the actor ids named by Mention tags on a document.
func mentionedActorIDs(props map[string]any) []string {
	var ids []string
	for _, t := range anyToSlice(props["tag"]) {
		tag := mapFromAny(t)
		if stringFromAny(tag["type"]) != "Mention" {
			continue
		}
		if href := stringFromAny(tag["href"]); href != "" {
			ids = append(ids, href)
		}
	}
	return ids
}

// conversationFor returns the context an object belongs to, falling back to
// the object's own id so every thread has a root.
func conversationFor(props map[string]any, apID string) string {
	if c := stringFromAny(props["context"]); c != "" {
		return c
	}
	if c := stringFromAny(props["conversation"]); c != "" {
		return c
	}
	return apID
}

// isLocal reports whether the given id is served by this node.
func (e *Env) isLocal(apID string) bool {
	return strings.HasPrefix(apID, e.BaseURL()+"/")
}

func (e *Env) publicURL(publicID string) string {
	return fmt.Sprintf("%s/o/%s", e.BaseURL(), publicID)
}
