package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
)

// A Revision is one entry in an outbox object's edit history.
type Revision struct {
	Source    string `json:"source"`
	UpdatedAt string `json:"updated_at"`
}

// PollItem is one answer of a Question, with its live vote count.
// Poll data is derived from the stored raw document, not separate rows.
type PollItem struct {
	Name       string
	VotesCount int
}

// An OutboxObject is a locally produced activity or object. Rows are
// never physically deleted; IsDeleted is a permanent tombstone with
// the content scrubbed.
type OutboxObject struct {
	ID        snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// PublicID is the stable short id used in URLs.
	PublicID string `gorm:"size:36;not null;index"`
	Slug     string `gorm:"size:128;index"`

	ApType        string         `gorm:"size:32;not null;index"`
	ApID          string         `gorm:"size:255;not null;uniqueIndex"`
	ApPublishedAt time.Time      `gorm:"not null"`
	Properties    map[string]any `gorm:"serializer:json;not null"`

	// Source is the pre-render text the object was composed from.
	Source    string     `gorm:"type:text"`
	Revisions []Revision `gorm:"serializer:json"`

	Visibility   Visibility `gorm:"not null"`
	Conversation string     `gorm:"size:255"`

	ActivityObjectApID string `gorm:"size:255;index"`

	LikesCount       int `gorm:"not null;default:0"`
	AnnouncesCount   int `gorm:"not null;default:0"`
	RepliesCount     int `gorm:"not null;default:0"`
	WebmentionsCount int `gorm:"not null;default:0"`

	IsPinned             bool `gorm:"not null;default:false"`
	IsHiddenFromHomepage bool `gorm:"not null;default:false"`
	IsDeleted            bool `gorm:"not null;default:false"`
	IsTransient          bool `gorm:"not null;default:false"`

	RelatesToInboxObjectID  *snowflake.ID
	RelatesToInboxObject    *InboxObject `gorm:"<-:false;"`
	RelatesToOutboxObjectID *snowflake.ID
	RelatesToOutboxObject   *OutboxObject `gorm:"<-:false;"`
	// RelatesToActorID is set for Follow and Block activities.
	RelatesToActorID *snowflake.ID
	RelatesToActor   *Actor `gorm:"<-:false;"`

	UndoneByOutboxObjectID *snowflake.ID
}

func (o *OutboxObject) BeforeSave(tx *gorm.DB) error {
	if o.ApID == "" {
		id, ok := o.Properties["id"].(string)
		if !ok {
			return errors.New("outbox object has no id")
		}
		o.ApID = id
	}
	if o.ApType == "" {
		typ, ok := o.Properties["type"].(string)
		if !ok {
			return fmt.Errorf("outbox object %s has no type", o.ApID)
		}
		o.ApType = typ
	}
	if o.ApPublishedAt.IsZero() {
		o.ApPublishedAt = time.Now()
	}
	if o.ID == 0 {
		o.ID = snowflake.TimeToID(o.ApPublishedAt)
	}
	if o.Visibility == "" {
		o.Visibility = VisibilityPublic
	}
	return nil
}

// InReplyTo returns the ap id of the parent object, if this object is
// a reply.
func (o *OutboxObject) InReplyTo() string {
	return stringFromAny(o.Properties["inReplyTo"])
}

// PollType returns "oneOf" or "anyOf" for Questions, "" otherwise.
func (o *OutboxObject) PollType() string {
	if _, ok := o.Properties["oneOf"]; ok {
		return "oneOf"
	}
	if _, ok := o.Properties["anyOf"]; ok {
		return "anyOf"
	}
	return ""
}

// PollItems returns the Question's answers with their stored vote
// counts.
func (o *OutboxObject) PollItems() []PollItem {
	items := anyToSlice(o.Properties[o.PollType()])
	out := make([]PollItem, 0, len(items))
	for _, item := range items {
		m := mapFromAny(item)
		count, _ := mapFromAny(m["replies"])["totalItems"].(float64)
		out = append(out, PollItem{
			Name:       stringFromAny(m["name"]),
			VotesCount: int(count),
		})
	}
	return out
}

// PollEndTime returns the Question's end time, or the zero time if the
// poll does not end.
func (o *OutboxObject) PollEndTime() time.Time {
	endTime, ok := o.Properties["endTime"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsPollEnded reports whether the Question's end time has elapsed.
// Poll closing is evaluated lazily on read; there is no timer task.
func (o *OutboxObject) IsPollEnded() bool {
	end := o.PollEndTime()
	return !end.IsZero() && end.Before(time.Now())
}

type OutboxObjects struct {
	db *gorm.DB
}

func NewOutboxObjects(db *gorm.DB) *OutboxObjects {
	return &OutboxObjects{db: db}
}

func (o *OutboxObjects) FindByApID(apID string) (*OutboxObject, error) {
	if apID == "" {
		return nil, errors.New("OutboxObjects.FindByApID: ap id is empty")
	}
	// use find to avoid the not found error on empty result
	var objects []OutboxObject
	if err := o.db.Where("ap_id = ?", apID).Find(&objects).Error; err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &objects[0], nil
}

func (o *OutboxObjects) FindByPublicID(publicID string) (*OutboxObject, error) {
	var object OutboxObject
	if err := o.db.Take(&object, "public_id = ?", publicID).Error; err != nil {
		return nil, err
	}
	return &object, nil
}

// AdjustRepliesCount shifts the denormalized reply counter on an
// outbox object by delta. It must only be called inside the same
// transaction as the write that creates or tombstones the reply.
func (o *OutboxObjects) AdjustRepliesCount(obj *OutboxObject, delta int) error {
	obj.RepliesCount += delta
	return o.db.Model(obj).UpdateColumn("replies_count", gorm.Expr("replies_count + ?", delta)).Error
}

// AdjustWebmentionsCount shifts the webmention counter; same
// transactional contract as AdjustRepliesCount.
func (o *OutboxObjects) AdjustWebmentionsCount(obj *OutboxObject, delta int) error {
	obj.WebmentionsCount += delta
	return o.db.Model(obj).UpdateColumn("webmentions_count", gorm.Expr("webmentions_count + ?", delta)).Error
}

// AdjustRepliesCountInbox is the inbox-side twin of AdjustRepliesCount.
func AdjustRepliesCountInbox(tx *gorm.DB, obj *InboxObject, delta int) error {
	obj.RepliesCount += delta
	return tx.Model(obj).UpdateColumn("replies_count", gorm.Expr("replies_count + ?", delta)).Error
}

// Tombstone permanently deletes the object's content, keeping the row.
// Accrued likes/announces/replies keep their rows; they are orphaned,
// not deleted.
func (o *OutboxObjects) Tombstone(obj *OutboxObject) error {
	if obj.IsDeleted {
		return nil
	}
	obj.IsDeleted = true
	obj.Source = ""
	obj.Properties = map[string]any{
		"id":   obj.ApID,
		"type": "Tombstone",
	}
	return o.db.Model(obj).Updates(map[string]interface{}{
		"is_deleted": true,
		"source":     "",
		"properties": obj.Properties,
	}).Error
}

// MarkUndone records that undoneBy reverses obj.
func (o *OutboxObjects) MarkUndone(obj *OutboxObject, undoneBy *OutboxObject) error {
	obj.UndoneByOutboxObjectID = &undoneBy.ID
	obj.IsDeleted = true
	return o.db.Model(obj).Updates(map[string]interface{}{
		"undone_by_outbox_object_id": undoneBy.ID,
		"is_deleted":                 true,
	}).Error
}
