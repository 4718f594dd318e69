package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/solopub/solopub/internal/snowflake"
	"gorm.io/gorm"
)

// A PollAnswer is one vote on a local Question: one row per (poll,
// actor) for "oneOf" polls, one row per (poll, answer, actor) for
// "anyOf" polls.
type PollAnswer struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time

	OutboxObjectID snowflake.ID  `gorm:"not null;uniqueIndex:uidx_poll_answer,priority:1"`
	OutboxObject   *OutboxObject `gorm:"<-:false;"`

	// PollType is denormalized from the Question so the oneOf
	// uniqueness rule can be checked without a join.
	PollType string `gorm:"size:8;not null"`

	InboxObjectID snowflake.ID `gorm:"not null"`
	InboxObject   *InboxObject `gorm:"<-:false;"`

	ActorID snowflake.ID `gorm:"not null;uniqueIndex:uidx_poll_answer,priority:3"`
	Actor   *Actor       `gorm:"<-:false;"`

	Name string `gorm:"size:255;not null;uniqueIndex:uidx_poll_answer,priority:2"`
}

// ErrDuplicateVote is returned when a vote violates the poll's
// uniqueness rule.
var ErrDuplicateVote = errors.New("duplicate poll answer")

type PollAnswers struct {
	db *gorm.DB
}

func NewPollAnswers(db *gorm.DB) *PollAnswers {
	return &PollAnswers{db: db}
}

// Record stores one vote and recomputes the poll's aggregate counts
// from the live answer rows. For a "oneOf" poll a second vote by the
// same actor is rejected whatever the answer; for "anyOf" only an
// exact duplicate (same answer, same actor) is rejected. The unique
// index covers the (poll, answer, actor) triple on every dialect; the
// oneOf rule is scoped to poll_type = oneOf, which sqlite expresses as
// a partial index, so it is enforced here ahead of the insert.
func (p *PollAnswers) Record(poll *OutboxObject, voter *Actor, vote *InboxObject, name string) (*PollAnswer, error) {
	pollType := poll.PollType()
	if pollType == "" {
		return nil, fmt.Errorf("outbox object %s is not a Question", poll.ApID)
	}
	var count int64
	query := p.db.Model(&PollAnswer{}).Where("outbox_object_id = ? AND actor_id = ?", poll.ID, voter.ID)
	if pollType == "anyOf" {
		query = query.Where("name = ?", name)
	}
	if err := query.Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicateVote
	}

	answer := &PollAnswer{
		OutboxObjectID: poll.ID,
		PollType:       pollType,
		InboxObjectID:  vote.ID,
		ActorID:        voter.ID,
		Name:           name,
	}
	if err := p.db.Create(answer).Error; err != nil {
		return nil, err
	}
	return answer, p.Recount(poll)
}

// Recount recomputes the vote counts stored in the Question's raw
// document from the live PollAnswer rows. Counts are never adjusted in
// place, so a replayed vote can never double count.
func (p *PollAnswers) Recount(poll *OutboxObject) error {
	type tally struct {
		Name  string
		Votes int
	}
	var tallies []tally
	err := p.db.Model(&PollAnswer{}).
		Select("name, COUNT(*) as votes").
		Where("outbox_object_id = ?", poll.ID).
		Group("name").
		Scan(&tallies).Error
	if err != nil {
		return err
	}
	votes := make(map[string]int, len(tallies))
	for _, t := range tallies {
		votes[t.Name] = t.Votes
	}

	var voters int64
	if err := p.db.Model(&PollAnswer{}).
		Where("outbox_object_id = ?", poll.ID).
		Distinct("actor_id").
		Count(&voters).Error; err != nil {
		return err
	}

	items := anyToSlice(poll.Properties[poll.PollType()])
	for _, item := range items {
		m := mapFromAny(item)
		m["replies"] = map[string]any{
			"type":       "Collection",
			"totalItems": float64(votes[stringFromAny(m["name"])]),
		}
	}
	poll.Properties["votersCount"] = float64(voters)
	return p.db.Model(poll).UpdateColumn("properties", poll.Properties).Error
}
