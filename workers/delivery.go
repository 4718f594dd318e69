package workers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/activitypub/activities"
	"github.com/solopub/solopub/models"
)

// NewDeliveryProcessor delivers queued outgoing activities and
// webmentions. Retry scheduling lives in the queue itself: claiming a
// row books its next try, success and exhaustion park it. maxTries
// overrides the queue's retry budget; 0 keeps the default.
func NewDeliveryProcessor(env *activitypub.Env, maxTries int) func(ctx context.Context) error {
	d := &deliverer{env: env}
	return loop(DefaultInterval, func(ctx context.Context) error {
		env.Log().Debug("delivery pass started")
		queue := outgoingQueue(env.DB, maxTries)
		for {
			act, err := queue.FetchNext()
			if err != nil {
				return err
			}
			if act == nil {
				return nil
			}
			d.deliver(ctx, queue, act)
			if ctx.Err() != nil {
				return nil
			}
		}
	})
}

type deliverer struct {
	env *activitypub.Env
}

func (d *deliverer) deliver(ctx context.Context, queue *models.OutgoingActivities, act *models.OutgoingActivity) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var status int
	var response string
	var err error
	if act.WebmentionTarget != "" {
		status, response, err = d.sendWebmention(ctx, act)
	} else {
		status, response, err = d.sendActivity(ctx, act)
	}

	switch {
	case err != nil:
		d.env.Log().Warn("delivery failed", "id", act.ID, "recipient", act.Recipient, "tries", act.Tries, "err", err)
		if err := queue.RecordFailure(act, status, response, err); err != nil {
			d.env.Log().Error("recording delivery failure", "id", act.ID, "err", err)
		}
	case status >= 200 && status < 300:
		d.env.Log().Info("delivered", "id", act.ID, "recipient", act.Recipient, "status", status)
		if err := queue.RecordSuccess(act, status, response); err != nil {
			d.env.Log().Error("recording delivery success", "id", act.ID, "err", err)
		}
	default:
		err := fmt.Errorf("unexpected status %d", status)
		d.env.Log().Warn("delivery refused", "id", act.ID, "recipient", act.Recipient, "status", status)
		if err := queue.RecordFailure(act, status, response, err); err != nil {
			d.env.Log().Error("recording delivery failure", "id", act.ID, "err", err)
		}
	}
}

func (d *deliverer) sendActivity(ctx context.Context, act *models.OutgoingActivity) (int, string, error) {
	payload, err := d.payload(act)
	if err != nil {
		return 0, "", err
	}
	client, err := d.env.NewClient()
	if err != nil {
		return 0, "", err
	}
	return client.Deliver(ctx, act.Recipient, payload)
}

// payload returns the document to send: a forward re-sends the stored
// inbox payload verbatim, a bare object is wrapped in its Create, and
// activities go out as stored.
func (d *deliverer) payload(act *models.OutgoingActivity) (map[string]any, error) {
	if act.InboxObjectID != nil {
		if act.InboxObject == nil {
			return nil, fmt.Errorf("delivery %d has no inbox object", act.ID)
		}
		return act.InboxObject.Properties, nil
	}
	if act.OutboxObject == nil {
		return nil, fmt.Errorf("delivery %d has no outbox object", act.ID)
	}
	obj := act.OutboxObject
	switch obj.ApType {
	case "Note", "Article", "Question":
		return activities.Create(obj.ApID+"/activity", d.env.Account.ApID(), obj.Properties), nil
	default:
		return obj.Properties, nil
	}
}

// sendWebmention discovers the target's webmention endpoint and posts
// the mention. A target that advertises no endpoint counts as
// delivered; there is nowhere to send to.
func (d *deliverer) sendWebmention(ctx context.Context, act *models.OutgoingActivity) (int, string, error) {
	if act.OutboxObject == nil {
		return 0, "", fmt.Errorf("delivery %d has no outbox object", act.ID)
	}
	endpoint, err := discoverWebmentionEndpoint(ctx, act.WebmentionTarget)
	if err != nil {
		return 0, "", err
	}
	if endpoint == "" {
		d.env.Log().Info("no webmention endpoint", "target", act.WebmentionTarget)
		return http.StatusOK, "", nil
	}
	var status int
	var response string
	err = requests.URL(endpoint).
		BodyForm(url.Values{
			"source": []string{act.OutboxObject.ApID},
			"target": []string{act.WebmentionTarget},
		}).
		AddValidator(func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		}).
		ToString(&response).
		Fetch(ctx)
	if err != nil {
		return 0, "", err
	}
	return status, response, nil
}
