package models

import (
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
)

// An OutgoingActivity is one pending delivery of a local activity (or
// a forward) to a single recipient. Rows are created by the outbox and
// inbox engines, mutated only by the delivery worker, and deleted only
// by the pruner. A row is terminal once IsSent or IsErrored is set.
type OutgoingActivity struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time

	// Recipient is an inbox URL for protocol deliveries; empty for
	// webmentions, which address WebmentionTarget instead.
	Recipient string `gorm:"size:255"`

	OutboxObjectID *snowflake.ID
	OutboxObject   *OutboxObject `gorm:"<-:false;"`

	// InboxObjectID is set instead when an inbox activity needs to be
	// forwarded.
	InboxObjectID *snowflake.ID
	InboxObject   *InboxObject `gorm:"<-:false;"`

	// WebmentionTarget makes this a webmention delivery; the source is
	// the outbox object URL.
	WebmentionTarget string `gorm:"size:255"`

	Tries   int       `gorm:"not null;default:0"`
	NextTry time.Time `gorm:"index"`
	LastTry time.Time

	LastStatusCode int
	LastResponse   string `gorm:"type:text"`

	IsSent    bool   `gorm:"not null;default:false"`
	IsErrored bool   `gorm:"not null;default:false"`
	Error     string `gorm:"type:text"`
}

// An IncomingActivity is a received-but-not-yet-processed payload:
// either an ActivityPub push or a webmention. Rows are mutated only by
// the incoming worker and deleted only by the pruner.
type IncomingActivity struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time

	// WebmentionSource/WebmentionTarget are set for webmentions.
	WebmentionSource string `gorm:"size:255"`
	WebmentionTarget string `gorm:"size:255"`

	// SentByApActorID and ApObject are set for ActivityPub payloads.
	SentByApActorID string         `gorm:"size:255"`
	ApID            string         `gorm:"size:255;index"`
	ApObject        map[string]any `gorm:"serializer:json"`
	// IsVerified records whether the HTTP signature checked out at
	// receipt time.
	IsVerified bool `gorm:"not null;default:false"`

	Tries   int       `gorm:"not null;default:0"`
	NextTry time.Time `gorm:"index"`
	LastTry time.Time

	IsProcessed bool   `gorm:"not null;default:false"`
	IsErrored   bool   `gorm:"not null;default:false"`
	Error       string `gorm:"type:text"`
}

// DefaultMaxDeliveryTries and DefaultMaxProcessTries bound how often a
// queue row is retried before it is parked as errored.
const (
	DefaultMaxDeliveryTries = 16
	DefaultMaxProcessTries  = 8
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 6 * time.Hour

// NextTryAfter returns when a row that has failed tries times becomes
// due again.
func NextTryAfter(now time.Time, tries int) time.Time {
	backoff := 30 * time.Second
	for i := 0; i < tries && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return now.Add(backoff)
}

type OutgoingActivities struct {
	db *gorm.DB

	// MaxTries bounds delivery attempts per row.
	MaxTries int
}

func NewOutgoingActivities(db *gorm.DB) *OutgoingActivities {
	return &OutgoingActivities{db: db, MaxTries: DefaultMaxDeliveryTries}
}

// FetchNext claims the next due delivery, or nil when the queue is
// empty. Claiming bumps tries and pushes next_try into the future with
// a conditional update, so a concurrent worker loses the race instead
// of double-sending; sqlite has no row locks to lean on.
func (o *OutgoingActivities) FetchNext() (*OutgoingActivity, error) {
	now := time.Now()
	var acts []OutgoingActivity
	err := o.db.Preload("OutboxObject").Preload("InboxObject").
		Where("is_sent = false AND is_errored = false AND next_try <= ?", now).
		Order("next_try").Limit(1).Find(&acts).Error
	if err != nil {
		return nil, err
	}
	if len(acts) == 0 {
		return nil, nil
	}
	act := &acts[0]
	res := o.db.Model(&OutgoingActivity{}).
		Where("id = ? AND tries = ? AND is_sent = false AND is_errored = false", act.ID, act.Tries).
		Updates(map[string]interface{}{
			"tries":    act.Tries + 1,
			"last_try": now,
			"next_try": NextTryAfter(now, act.Tries),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// another worker claimed it first
		return nil, nil
	}
	act.Tries++
	act.LastTry = now
	return act, nil
}

// RecordSuccess marks the delivery sent, keeping the response for the
// admin UI. Diagnostics from earlier failed attempts are cleared.
func (o *OutgoingActivities) RecordSuccess(act *OutgoingActivity, statusCode int, response string) error {
	act.IsSent = true
	act.Error = ""
	return o.db.Model(act).Updates(map[string]interface{}{
		"is_sent":          true,
		"last_status_code": statusCode,
		"last_response":    response,
		"error":            "",
	}).Error
}

// RecordFailure keeps the failure diagnostics. The row stays queued
// for its already scheduled next try until the budget runs out, then
// it is parked as errored.
func (o *OutgoingActivities) RecordFailure(act *OutgoingActivity, statusCode int, response string, cause error) error {
	act.IsErrored = act.Tries >= o.MaxTries
	return o.db.Model(act).Updates(map[string]interface{}{
		"last_status_code": statusCode,
		"last_response":    response,
		"error":            cause.Error(),
		"is_errored":       act.IsErrored,
	}).Error
}

type IncomingActivities struct {
	db *gorm.DB

	// MaxTries bounds processing attempts per row.
	MaxTries int
}

func NewIncomingActivities(db *gorm.DB) *IncomingActivities {
	return &IncomingActivities{db: db, MaxTries: DefaultMaxProcessTries}
}

// FetchNext claims the next due payload, with the same conditional
// update claim as the outgoing queue.
func (i *IncomingActivities) FetchNext() (*IncomingActivity, error) {
	now := time.Now()
	var acts []IncomingActivity
	err := i.db.
		Where("is_processed = false AND is_errored = false AND next_try <= ?", now).
		Order("next_try").Limit(1).Find(&acts).Error
	if err != nil {
		return nil, err
	}
	if len(acts) == 0 {
		return nil, nil
	}
	act := &acts[0]
	res := i.db.Model(&IncomingActivity{}).
		Where("id = ? AND tries = ? AND is_processed = false AND is_errored = false", act.ID, act.Tries).
		Updates(map[string]interface{}{
			"tries":    act.Tries + 1,
			"last_try": now,
			"next_try": NextTryAfter(now, act.Tries),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	act.Tries++
	act.LastTry = now
	return act, nil
}

// MarkProcessed finishes the row, clearing diagnostics from earlier
// failed attempts.
func (i *IncomingActivities) MarkProcessed(act *IncomingActivity) error {
	act.IsProcessed = true
	act.Error = ""
	return i.db.Model(act).Updates(map[string]interface{}{
		"is_processed": true,
		"error":        "",
	}).Error
}

// RecordFailure keeps the failure. Permanent failures are parked
// immediately; transient ones wait for their scheduled retry until the
// budget runs out.
func (i *IncomingActivities) RecordFailure(act *IncomingActivity, cause error, permanent bool) error {
	act.IsErrored = permanent || act.Tries >= i.MaxTries
	return i.db.Model(act).Updates(map[string]interface{}{
		"error":      cause.Error(),
		"is_errored": act.IsErrored,
	}).Error
}
