package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
)

// Actor is a federated identity, local or remote, addressable by its
// globally unique ActivityPub id. The raw actor document is kept
// verbatim in Properties; everything else is derived. Identity is
// immutable once created, only the moderation flags and the document
// itself (on refresh) change.
type Actor struct {
	ID        snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ApID      string         `gorm:"size:255;not null;uniqueIndex"`
	ApType    string         `gorm:"size:16;not null"`
	Handle    string         `gorm:"size:128;index"`
	Server    string         `gorm:"size:64;not null"`
	Properties map[string]any `gorm:"serializer:json;not null"`
	IsBlocked bool           `gorm:"not null;default:false"`
	IsDeleted bool           `gorm:"not null;default:false"`
}

func (a *Actor) BeforeSave(tx *gorm.DB) error {
	if a.ApID == "" {
		id, ok := a.Properties["id"].(string)
		if !ok {
			return errors.New("actor has no id")
		}
		a.ApID = id
	}
	if a.ApType == "" {
		typ, ok := a.Properties["type"].(string)
		if !ok {
			return fmt.Errorf("actor %s has no type", a.ApID)
		}
		a.ApType = typ
	}
	u, err := url.Parse(a.ApID)
	if err != nil {
		return fmt.Errorf("actor has invalid ap id %q: %w", a.ApID, err)
	}
	if a.Server == "" {
		a.Server = u.Host
	}
	if a.Handle == "" {
		a.Handle = fmt.Sprintf("%s@%s", stringFromAny(a.Properties["preferredUsername"]), u.Host)
	}
	if a.ID == 0 {
		a.ID = snowflake.Now()
	}
	return nil
}

// Inbox returns the actor's shared inbox URL if one is advertised,
// otherwise its personal inbox URL.
func (a *Actor) Inbox() string {
	if shared := a.SharedInboxURL(); shared != "" {
		return shared
	}
	return a.InboxURL()
}

func (a *Actor) InboxURL() string {
	return stringFromAny(a.Properties["inbox"])
}

func (a *Actor) SharedInboxURL() string {
	return stringFromAny(mapFromAny(a.Properties["endpoints"])["sharedInbox"])
}

func (a *Actor) OutboxURL() string {
	return stringFromAny(a.Properties["outbox"])
}

// FollowersURL returns the ap id of the actor's followers collection,
// used to compute the visibility of incoming objects.
func (a *Actor) FollowersURL() string {
	return stringFromAny(a.Properties["followers"])
}

func (a *Actor) DisplayName() string {
	return stringFromAny(a.Properties["name"])
}

func (a *Actor) Locked() bool {
	return boolFromAny(a.Properties["manuallyApprovesFollowers"])
}

func (a *Actor) PublicKeyPEM() []byte {
	return []byte(stringFromAny(mapFromAny(a.Properties["publicKey"])["publicKeyPem"]))
}

func (a *Actor) PublicKeyID() string {
	if id := stringFromAny(mapFromAny(a.Properties["publicKey"])["id"]); id != "" {
		return id
	}
	return fmt.Sprintf("%s#main-key", a.ApID)
}

// AlsoKnownAs returns the actor's alias list, consulted when handling
// Move activities.
func (a *Actor) AlsoKnownAs() []string {
	var out []string
	for _, v := range anyToSlice(a.Properties["alsoKnownAs"]) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a *Actor) MovedTo() string {
	return stringFromAny(a.Properties["movedTo"])
}

type Actors struct {
	db *gorm.DB
}

func NewActors(db *gorm.DB) *Actors {
	return &Actors{db: db}
}

// FindByApID returns an actor by its ap id if it exists locally.
func (a *Actors) FindByApID(apID string) (*Actor, error) {
	// use find to avoid the not found error on empty result
	var actors []Actor
	if err := a.db.Where("ap_id = ?", apID).Find(&actors).Error; err != nil {
		return nil, err
	}
	if len(actors) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &actors[0], nil
}

// FindOrCreateByApID searches for an actor by its ap id. If the actor
// is not known, fetchFn is called to retrieve the raw actor document,
// which is stored and returned.
func (a *Actors) FindOrCreateByApID(apID string, fetchFn func(string) (map[string]any, error)) (*Actor, error) {
	actor, err := a.FindByApID(apID)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	props, err := fetchFn(apID)
	if err != nil {
		return nil, fmt.Errorf("Actors.FindOrCreateByApID: fetching %s: %w", apID, err)
	}
	actor = &Actor{Properties: props}
	if err := a.db.Create(actor).Error; err != nil {
		return nil, err
	}
	return actor, nil
}

// Refresh replaces the stored actor document, keeping identity and
// moderation flags.
func (a *Actors) Refresh(actor *Actor, props map[string]any) error {
	actor.Properties = props
	return a.db.Save(actor).Error
}

// SetBlocked flips the local moderation flag on the actor.
func (a *Actors) SetBlocked(actor *Actor, blocked bool) error {
	actor.IsBlocked = blocked
	return a.db.Model(actor).Update("is_blocked", blocked).Error
}

// MarkDeleted records that the remote end deleted this actor. The row
// is retained for referential integrity.
func (a *Actors) MarkDeleted(actor *Actor) error {
	actor.IsDeleted = true
	return a.db.Model(actor).Update("is_deleted", true).Error
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func boolFromAny(v any) bool {
	b, _ := v.(bool)
	return b
}

func mapFromAny(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

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
