package models

import (
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type NotificationType string

const (
	NotificationNewFollower            NotificationType = "new_follower"
	NotificationPendingFollower        NotificationType = "pending_incoming_follower"
	NotificationRejectedFollower       NotificationType = "rejected_follower"
	NotificationUnfollow               NotificationType = "unfollow"
	NotificationFollowRequestAccepted  NotificationType = "follow_request_accepted"
	NotificationFollowRequestRejected  NotificationType = "follow_request_rejected"
	NotificationMove                   NotificationType = "move"
	NotificationLike                   NotificationType = "like"
	NotificationUndoLike               NotificationType = "undo_like"
	NotificationAnnounce               NotificationType = "announce"
	NotificationUndoAnnounce           NotificationType = "undo_announce"
	NotificationMention                NotificationType = "mention"
	NotificationNewWebmention          NotificationType = "new_webmention"
	NotificationDeletedWebmention      NotificationType = "deleted_webmention"
	NotificationBlocked                NotificationType = "blocked"
	NotificationUnblocked              NotificationType = "unblocked"
	NotificationBlock                  NotificationType = "block"
	NotificationUnblock                NotificationType = "unblock"
)

func (NotificationType) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "postgres":
		return "varchar(32)"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}

// A Notification surfaces a side effect to the (external) admin UI.
// The core only creates rows; reading and acknowledging them is the
// UI's business.
type Notification struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time

	Type  NotificationType `gorm:"not null"`
	IsNew bool             `gorm:"not null;default:true"`

	ActorID *snowflake.ID
	Actor   *Actor `gorm:"<-:false;"`

	OutboxObjectID *snowflake.ID
	OutboxObject   *OutboxObject `gorm:"<-:false;"`

	InboxObjectID *snowflake.ID
	InboxObject   *InboxObject `gorm:"<-:false;"`

	WebmentionID *uint32
	Webmention   *Webmention `gorm:"<-:false;"`
}
