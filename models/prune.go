package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PruneOldData garbage-collects queue rows and stale inbox objects
// older than the retention window. It runs as a batch job, never on
// the request or delivery path. Errored queue rows are kept for
// diagnosis; inbox objects are kept whenever any preservation rule
// holds (bookmarks, local reactions, local mentions, direct messages,
// Move activities, conversations with local participation, activities
// acting on local objects).
func PruneOldData(env *Env, retentionDays int, baseURL string) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	env.Log().Info("pruning old data", "retention_days", retentionDays, "cutoff", cutoff)

	err := env.DB.Transaction(func(tx *gorm.DB) error {
		if err := pruneQueue(tx, env, &IncomingActivity{}, "incoming activities", cutoff); err != nil {
			return err
		}
		if err := pruneQueue(tx, env, &OutgoingActivity{}, "outgoing activities", cutoff); err != nil {
			return err
		}
		return pruneInboxObjects(tx, env, cutoff, baseURL)
	})
	if err != nil {
		return err
	}

	// Reclaim disk space. Only sqlite supports VACUUM; elsewhere the
	// regular engine housekeeping takes care of it.
	if env.DB.Dialector.Name() == "sqlite" {
		return env.DB.Exec("VACUUM").Error
	}
	return nil
}

func pruneQueue(tx *gorm.DB, env *Env, model interface{}, what string, cutoff time.Time) error {
	// Keep errored rows for debug.
	res := tx.Where("created_at < ? AND is_errored = false", cutoff).Delete(model)
	if res.Error != nil {
		return fmt.Errorf("pruning %s: %w", what, res.Error)
	}
	env.Log().Info("pruned queue rows", "queue", what, "deleted", res.RowsAffected)
	return nil
}

func pruneInboxObjects(tx *gorm.DB, env *Env, cutoff time.Time, baseURL string) error {
	local := baseURL + "%"

	// Conversations the outbox participates in must survive, or the
	// public site would show threads with holes in them.
	outboxConversations := tx.Select("DISTINCT conversation").
		Where("conversation IS NOT NULL AND conversation <> ''").
		Table("outbox_objects")

	res := tx.
		Where("ap_published_at < ?", cutoff).
		Where("is_bookmarked = false").
		Where("liked_via_outbox_object_ap_id = ''").
		Where("announced_via_outbox_object_ap_id = ''").
		Where("has_local_mention = false").
		Where("conversation NOT LIKE ? AND conversation NOT IN (?)", local, outboxConversations).
		Where("activity_object_ap_id NOT LIKE ?", local).
		Where("NOT (visibility = ? AND ap_type = 'Note')", VisibilityDirect).
		Where("ap_type <> 'Move'").
		Delete(&InboxObject{})
	if res.Error != nil {
		return fmt.Errorf("pruning inbox objects: %w", res.Error)
	}
	env.Log().Info("pruned inbox objects", "deleted", res.RowsAffected)
	return nil
}
