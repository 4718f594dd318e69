package models

import (
	"errors"
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// A Follower materializes an accepted incoming Follow: the remote
// actor follows the local actor. Exactly one row per remote actor,
// linked to the inbox Follow activity that established it.
type Follower struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ActorID snowflake.ID `gorm:"not null;uniqueIndex"`
	Actor   *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`

	InboxObjectID snowflake.ID `gorm:"not null"`
	InboxObject   *InboxObject `gorm:"<-:false;"`

	ApActorID string `gorm:"size:255;not null;uniqueIndex"`

	// IsAccepted/IsRejected track the pending state when the node
	// manually approves followers. Both false means awaiting review.
	IsAccepted bool `gorm:"not null;default:false"`
	IsRejected bool `gorm:"not null;default:false"`
}

// A Following materializes an outgoing Follow: the local actor follows
// the remote actor. One row per remote actor, linked to the outbox
// Follow activity that requested it.
type Following struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ActorID snowflake.ID `gorm:"not null;uniqueIndex"`
	Actor   *Actor       `gorm:"constraint:OnDelete:CASCADE;<-:false;"`

	OutboxObjectID snowflake.ID  `gorm:"not null"`
	OutboxObject   *OutboxObject `gorm:"<-:false;"`

	ApActorID string `gorm:"size:255;not null;uniqueIndex"`

	// IsAccepted is set when the remote end answers with Accept;
	// IsRejected when it answers with Reject.
	IsAccepted bool `gorm:"not null;default:false"`
	IsRejected bool `gorm:"not null;default:false"`
}

type Followers struct {
	db *gorm.DB
}

func NewFollowers(db *gorm.DB) *Followers {
	return &Followers{db: db}
}

// Upsert creates the Follower row for an incoming Follow, or refreshes
// the establishing activity if the actor re-follows.
func (f *Followers) Upsert(actor *Actor, follow *InboxObject, accepted bool) (*Follower, error) {
	follower := Follower{
		ActorID:       actor.ID,
		InboxObjectID: follow.ID,
		ApActorID:     actor.ApID,
		IsAccepted:    accepted,
	}
	err := f.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "actor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"inbox_object_id",
			"is_accepted",
			"is_rejected",
			"updated_at",
		}),
	}).Create(&follower).Error
	return &follower, err
}

func (f *Followers) FindByApActorID(apActorID string) (*Follower, error) {
	var followers []Follower
	if err := f.db.Preload("Actor").Where("ap_actor_id = ?", apActorID).Find(&followers).Error; err != nil {
		return nil, err
	}
	if len(followers) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &followers[0], nil
}

// Accept marks the pending follower accepted.
func (f *Followers) Accept(follower *Follower) error {
	follower.IsAccepted, follower.IsRejected = true, false
	return f.db.Model(follower).Updates(map[string]interface{}{"is_accepted": true, "is_rejected": false}).Error
}

// Reject marks the pending follower rejected. The row is kept so a
// repeated Follow does not look brand new.
func (f *Followers) Reject(follower *Follower) error {
	follower.IsAccepted, follower.IsRejected = false, true
	return f.db.Model(follower).Updates(map[string]interface{}{"is_accepted": false, "is_rejected": true}).Error
}

// Remove deletes the materialization, used when the remote actor
// undoes its Follow.
func (f *Followers) Remove(apActorID string) error {
	return f.db.Where("ap_actor_id = ?", apActorID).Delete(&Follower{}).Error
}

// Accepted returns all accepted followers, the audience for public
// deliveries.
func (f *Followers) Accepted() ([]*Follower, error) {
	var followers []*Follower
	return followers, f.db.Preload("Actor").Where("is_accepted = true").Find(&followers).Error
}

// Count returns totalItems for the followers collection.
func (f *Followers) Count() (int64, error) {
	var count int64
	return count, f.db.Model(&Follower{}).Where("is_accepted = true").Count(&count).Error
}

type Followings struct {
	db *gorm.DB
}

func NewFollowings(db *gorm.DB) *Followings {
	return &Followings{db: db}
}

// Upsert creates the Following row for an outgoing Follow request.
// The row starts unaccepted until the remote end answers.
func (f *Followings) Upsert(actor *Actor, follow *OutboxObject) (*Following, error) {
	following := Following{
		ActorID:        actor.ID,
		OutboxObjectID: follow.ID,
		ApActorID:      actor.ApID,
	}
	err := f.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "actor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"outbox_object_id",
			"is_accepted",
			"is_rejected",
			"updated_at",
		}),
	}).Create(&following).Error
	return &following, err
}

// FindByFollowApID locates the Following row by the ap id of the
// outbox Follow activity that requested it, the key an incoming
// Accept/Reject answers with.
func (f *Followings) FindByFollowApID(followApID string) (*Following, error) {
	var followings []Following
	err := f.db.Preload("Actor").
		Joins("JOIN outbox_objects ON outbox_objects.id = followings.outbox_object_id").
		Where("outbox_objects.ap_id = ?", followApID).
		Find(&followings).Error
	if err != nil {
		return nil, err
	}
	if len(followings) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &followings[0], nil
}

func (f *Followings) Accept(following *Following) error {
	following.IsAccepted, following.IsRejected = true, false
	return f.db.Model(following).Updates(map[string]interface{}{"is_accepted": true, "is_rejected": false}).Error
}

func (f *Followings) Reject(following *Following) error {
	following.IsAccepted, following.IsRejected = false, true
	return f.db.Model(following).Updates(map[string]interface{}{"is_accepted": false, "is_rejected": true}).Error
}

// Remove deletes the materialization, used when the local actor
// undoes its Follow.
func (f *Followings) Remove(apActorID string) error {
	return f.db.Where("ap_actor_id = ?", apActorID).Delete(&Following{}).Error
}

func (f *Followings) Count() (int64, error) {
	var count int64
	return count, f.db.Model(&Following{}).Where("is_accepted = true").Count(&count).Error
}

// ErrNotFollowing is returned when an Accept/Reject answers a Follow
// we have no record of.
var ErrNotFollowing = errors.New("no matching follow request")
