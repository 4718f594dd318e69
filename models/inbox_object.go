package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Visibility is the audience of an object, derived from its to/cc
// addressing at ingestion time.
type Visibility string

const (
	VisibilityPublic        Visibility = "public"
	VisibilityUnlisted      Visibility = "unlisted"
	VisibilityFollowersOnly Visibility = "followers-only"
	VisibilityDirect        Visibility = "direct"
)

func (Visibility) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "postgres":
		return "enum('public', 'unlisted', 'followers-only', 'direct')"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}

// An InboxObject is an activity or object received from a remote
// actor. The raw document is kept verbatim in Properties. Rows are
// deduplicated by ap id; a second receipt of the same id never creates
// a second row. Soft deletion (IsDeleted) is used for Delete/Undo;
// hard deletion is the pruner's job.
type InboxObject struct {
	ID        snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ActorID snowflake.ID `gorm:"not null;index"`
	Actor   *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	// Server is the host the object originated from.
	Server string `gorm:"size:64;not null"`

	ApType        string         `gorm:"size:32;not null;index"`
	ApID          string         `gorm:"size:255;not null;uniqueIndex"`
	ApPublishedAt time.Time      `gorm:"not null"`
	Properties    map[string]any `gorm:"serializer:json;not null"`

	Visibility   Visibility `gorm:"not null"`
	Conversation string     `gorm:"size:255"`

	// ActivityObjectApID is the ap id of the object the activity acts
	// upon. Only set when the row represents an activity.
	ActivityObjectApID string `gorm:"size:255;index"`

	RepliesCount int `gorm:"not null;default:0"`

	IsHiddenFromStream bool `gorm:"not null;default:false"`
	HasLocalMention    bool `gorm:"not null;default:false"`
	IsBookmarked       bool `gorm:"not null;default:false"`
	IsDeleted          bool `gorm:"not null;default:false"`
	// IsTransient marks tombstones stored for objects we never fetched,
	// kept only to prevent a re-fetch.
	IsTransient bool `gorm:"not null;default:false"`

	// At most one of the two relates links is set; they express "this
	// Like/Announce/Undo acts upon that object".
	RelatesToInboxObjectID  *snowflake.ID
	RelatesToInboxObject    *InboxObject `gorm:"<-:false;"`
	RelatesToOutboxObjectID *snowflake.ID
	RelatesToOutboxObject   *OutboxObject `gorm:"<-:false;"`

	// UndoneByInboxObjectID marks the row as reversed by a later Undo.
	UndoneByInboxObjectID *snowflake.ID

	// Backlinks to the outbox activity that liked/announced this
	// object, letting Undo find its target without an extra query, and
	// letting the pruner preserve objects the local actor reacted to.
	LikedViaOutboxObjectApID     string `gorm:"size:255"`
	AnnouncedViaOutboxObjectApID string `gorm:"size:255"`

	// VotedForAnswers records the poll answers the local actor voted
	// for on this (remote) Question.
	VotedForAnswers []string `gorm:"serializer:json"`
}

func (o *InboxObject) BeforeSave(tx *gorm.DB) error {
	if o.ApID == "" {
		id, ok := o.Properties["id"].(string)
		if !ok {
			return errors.New("inbox object has no id")
		}
		o.ApID = id
	}
	if o.ApType == "" {
		typ, ok := o.Properties["type"].(string)
		if !ok {
			return fmt.Errorf("inbox object %s has no type", o.ApID)
		}
		o.ApType = typ
	}
	u, err := url.Parse(o.ApID)
	if err != nil {
		return fmt.Errorf("inbox object has invalid ap id %q: %w", o.ApID, err)
	}
	if o.Server == "" {
		o.Server = u.Host
	}
	if o.ApPublishedAt.IsZero() {
		if published, ok := o.Properties["published"].(string); ok {
			if o.ApPublishedAt, err = time.Parse(time.RFC3339, published); err != nil {
				return fmt.Errorf("inbox object %s has invalid published date %q: %w", o.ApID, published, err)
			}
		} else {
			o.ApPublishedAt = time.Now()
		}
	}
	if o.ID == 0 {
		o.ID = snowflake.TimeToID(o.ApPublishedAt)
	}
	if o.Visibility == "" {
		o.Visibility = VisibilityDirect
	}
	return nil
}

// AfterSave keeps the denormalized reaction counters on the target of
// a Like or Announce in sync. It runs on create and on update, so
// marking a row undone or deleted re-counts the target transactionally.
func (o *InboxObject) AfterSave(tx *gorm.DB) error {
	return forEach(tx, o.maybeRecountReactions)
}

func (o *InboxObject) maybeRecountReactions(tx *gorm.DB) error {
	switch o.ApType {
	case "Like", "Announce":
	default:
		return nil
	}
	if o.RelatesToOutboxObjectID == nil {
		return nil
	}
	return RecountReactions(tx, *o.RelatesToOutboxObjectID)
}

// RecountReactions recomputes likes_count and announces_count on an
// outbox object from the live (non-deleted, non-undone) inbox rows
// relating to it. Counters are never incremented in place, so a replay
// or an undo can never skew them.
func RecountReactions(tx *gorm.DB, outboxObjectID snowflake.ID) error {
	live := func(apType string) *gorm.DB {
		return tx.Select("COUNT(*)").
			Where("relates_to_outbox_object_id = ? AND ap_type = ? AND is_deleted = false AND undone_by_inbox_object_id IS NULL", outboxObjectID, apType).
			Table("inbox_objects")
	}
	return tx.Model(&OutboxObject{ID: outboxObjectID}).UpdateColumns(map[string]interface{}{
		"likes_count":     live("Like"),
		"announces_count": live("Announce"),
	}).Error
}

type InboxObjects struct {
	db *gorm.DB
}

func NewInboxObjects(db *gorm.DB) *InboxObjects {
	return &InboxObjects{db: db}
}

// FindByApID returns the inbox object with the given ap id, including
// soft-deleted rows; callers that care must check IsDeleted.
func (i *InboxObjects) FindByApID(apID string) (*InboxObject, error) {
	if apID == "" {
		return nil, errors.New("InboxObjects.FindByApID: ap id is empty")
	}
	// use find to avoid the not found error on empty result
	var objects []InboxObject
	if err := i.db.Where("ap_id = ?", apID).Find(&objects).Error; err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &objects[0], nil
}

// MarkDeleted soft-deletes the object. The row is kept so that
// relates links and conversation threads remain resolvable.
func (i *InboxObjects) MarkDeleted(obj *InboxObject) error {
	if obj.IsDeleted {
		return nil
	}
	obj.IsDeleted = true
	return i.db.Model(obj).Updates(map[string]interface{}{"is_deleted": true}).Error
}

// MarkUndone records that undoneBy reverses obj, re-counting any
// counter obj had contributed to via the AfterSave hook.
func (i *InboxObjects) MarkUndone(obj *InboxObject, undoneBy *InboxObject) error {
	obj.UndoneByInboxObjectID = &undoneBy.ID
	obj.IsDeleted = true
	return i.db.Model(obj).Updates(map[string]interface{}{
		"undone_by_inbox_object_id": undoneBy.ID,
		"is_deleted":                true,
	}).Error
}
