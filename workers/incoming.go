package workers

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/models"
)

// NewIncomingProcessor feeds queued incoming payloads to the inbox
// engine, and verifies queued webmentions against their source.
// maxTries overrides the queue's retry budget; 0 keeps the default.
func NewIncomingProcessor(env *activitypub.Env, maxTries int) func(ctx context.Context) error {
	p := &incomingProcessor{env: env, inbox: activitypub.NewInbox(env)}
	return loop(DefaultInterval, func(ctx context.Context) error {
		env.Log().Debug("incoming pass started")
		queue := incomingQueue(env.DB, maxTries)
		for {
			act, err := queue.FetchNext()
			if err != nil {
				return err
			}
			if act == nil {
				return nil
			}
			p.process(ctx, queue, act)
			if ctx.Err() != nil {
				return nil
			}
		}
	})
}

type incomingProcessor struct {
	env   *activitypub.Env
	inbox *activitypub.Inbox
}

func (p *incomingProcessor) process(ctx context.Context, queue *models.IncomingActivities, act *models.IncomingActivity) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error
	if act.WebmentionSource != "" {
		err = p.processWebmention(ctx, act)
	} else {
		_, err = p.inbox.ProcessActivity(ctx, act.ApObject, act.IsVerified)
	}
	if err != nil {
		permanent := activitypub.IsPermanent(err)
		p.env.Log().Warn("processing failed", "id", act.ID, "tries", act.Tries, "permanent", permanent, "err", err)
		if err := queue.RecordFailure(act, err, permanent); err != nil {
			p.env.Log().Error("recording processing failure", "id", act.ID, "err", err)
		}
		return
	}
	if err := queue.MarkProcessed(act); err != nil {
		p.env.Log().Error("marking processed", "id", act.ID, "err", err)
	}
}

// processWebmention verifies that the source page really links to the
// target before any state is touched. A source that no longer links
// retracts an earlier mention.
func (p *incomingProcessor) processWebmention(ctx context.Context, act *models.IncomingActivity) error {
	target, err := models.NewOutboxObjects(p.env.DB).FindByApID(act.WebmentionTarget)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.env.Log().Info("webmention for unknown target", "target", act.WebmentionTarget)
			return nil
		}
		return err
	}

	linked, typ, err := inspectSource(ctx, act.WebmentionSource, act.WebmentionTarget)
	if err != nil {
		return err
	}

	webmentions := models.NewWebmentions(p.env.DB)
	if !linked {
		var existing []models.Webmention
		err := p.env.DB.Where("source = ? AND target = ? AND is_deleted = false", act.WebmentionSource, act.WebmentionTarget).
			Find(&existing).Error
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			p.env.Log().Info("webmention source does not link to target", "source", act.WebmentionSource)
			return nil
		}
		if err := webmentions.MarkDeleted(&existing[0], target); err != nil {
			return err
		}
		notif := &models.Notification{
			Type:           models.NotificationDeletedWebmention,
			OutboxObjectID: &target.ID,
			WebmentionID:   &existing[0].ID,
		}
		return p.env.DB.Create(notif).Error
	}

	mention, err := webmentions.Upsert(act.WebmentionSource, target, typ)
	if err != nil {
		return err
	}
	notif := &models.Notification{
		Type:           models.NotificationNewWebmention,
		OutboxObjectID: &target.ID,
		WebmentionID:   &mention.ID,
	}
	return p.env.DB.Create(notif).Error
}
