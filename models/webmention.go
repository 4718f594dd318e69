package models

import (
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

type WebmentionType string

const (
	WebmentionUnknown WebmentionType = "unknown"
	WebmentionLike    WebmentionType = "like"
	WebmentionReply   WebmentionType = "reply"
	WebmentionRepost  WebmentionType = "repost"
)

func (WebmentionType) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "postgres":
		return "varchar(16)"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}

// A Webmention records an incoming link notification from a
// non-ActivityPub site, bridged into the same notification pipeline
// as federation activities.
type Webmention struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time

	IsDeleted bool `gorm:"not null;default:false"`

	Source string `gorm:"size:255;not null;uniqueIndex:uidx_source_target,priority:1"`
	Target string `gorm:"size:255;not null;uniqueIndex:uidx_source_target,priority:2"`

	OutboxObjectID snowflake.ID  `gorm:"not null"`
	OutboxObject   *OutboxObject `gorm:"<-:false;"`

	Type WebmentionType `gorm:"not null;default:'unknown'"`
}

type Webmentions struct {
	db *gorm.DB
}

func NewWebmentions(db *gorm.DB) *Webmentions {
	return &Webmentions{db: db}
}

// Upsert records a webmention for the targeted outbox object and
// recounts the object's webmention counter from the live rows. A
// repeated mention of the same (source, target) pair updates in place.
func (w *Webmentions) Upsert(source string, target *OutboxObject, typ WebmentionType) (*Webmention, error) {
	mention := Webmention{
		Source:         source,
		Target:         target.ApID,
		OutboxObjectID: target.ID,
		Type:           typ,
	}
	err := w.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source"}, {Name: "target"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_deleted",
			"type",
		}),
	}).Create(&mention).Error
	if err != nil {
		return nil, err
	}
	return &mention, w.recount(target)
}

// MarkDeleted soft-deletes the webmention, used when the source page
// no longer links to the target.
func (w *Webmentions) MarkDeleted(mention *Webmention, target *OutboxObject) error {
	mention.IsDeleted = true
	if err := w.db.Model(mention).Update("is_deleted", true).Error; err != nil {
		return err
	}
	return w.recount(target)
}

func (w *Webmentions) recount(target *OutboxObject) error {
	live := w.db.Select("COUNT(*)").
		Where("outbox_object_id = ? AND is_deleted = false", target.ID).
		Table("webmentions")
	return w.db.Model(target).UpdateColumns(map[string]interface{}{
		"webmentions_count": live,
	}).Error
}
