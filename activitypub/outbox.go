package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub/activities"
	"github.com/solopub/solopub/internal/algorithms"
	"github.com/solopub/solopub/models"
)

// Outbox turns local intents into stored activities and queued
// deliveries. Every operation is a single database transaction; the
// queued deliveries commit together with the object they carry.
type Outbox struct {
	env *Env
}

func NewOutbox(env *Env) *Outbox {
	return &Outbox{env: env}
}

func (o *Outbox) newIDs() (publicID, apID string) {
	publicID = uuid.New().String()
	return publicID, o.env.publicURL(publicID)
}

func apNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func hostOf(apID string) string {
	u, err := url.Parse(apID)
	if err != nil {
		return ""
	}
	return u.Host
}

// queueDeliveries creates one delivery row per distinct inbox, due
// immediately.
func queueDeliveries(tx *gorm.DB, obj *models.OutboxObject, inboxes []string) error {
	now := time.Now()
	for _, inbox := range algorithms.Uniq(inboxes) {
		if inbox == "" {
			continue
		}
		act := &models.OutgoingActivity{
			Recipient:      inbox,
			OutboxObjectID: &obj.ID,
			NextTry:        now,
		}
		if err := tx.Create(act).Error; err != nil {
			return err
		}
	}
	return nil
}

func followerInboxes(tx *gorm.DB) ([]string, error) {
	followers, err := models.NewFollowers(tx).Accepted()
	if err != nil {
		return nil, err
	}
	return algorithms.Map(followers, func(f *models.Follower) string {
		return f.Actor.Inbox()
	}), nil
}

var mentionRE = regexp.MustCompile(`@(\w+)@([\w.-]+\.\w+)`)

// mentionedActors resolves @user@domain mentions in source against
// actors already known locally. Unknown handles are left as plain text.
func mentionedActors(tx *gorm.DB, source string) ([]*models.Actor, error) {
	var actors []*models.Actor
	for _, m := range mentionRE.FindAllStringSubmatch(source, -1) {
		var found []models.Actor
		if err := tx.Where("handle = ?", m[1]+"@"+m[2]).Find(&found).Error; err != nil {
			return nil, err
		}
		if len(found) > 0 {
			actors = append(actors, &found[0])
		}
	}
	return actors, nil
}

func mentionTags(actors []*models.Actor) []any {
	return algorithms.Map(actors, func(a *models.Actor) any {
		return map[string]any{
			"type": "Mention",
			"href": a.ApID,
			"name": "@" + a.Handle,
		}
	})
}

// audience computes to/cc for an object of the given visibility.
func (o *Outbox) audience(vis models.Visibility, mentioned []*models.Actor) (to, cc []string) {
	followers := o.env.Account.FollowersURL()
	mentions := algorithms.Map(mentioned, func(a *models.Actor) string { return a.ApID })
	switch vis {
	case models.VisibilityPublic:
		return []string{ASPublic}, append([]string{followers}, mentions...)
	case models.VisibilityUnlisted:
		return []string{followers}, append([]string{ASPublic}, mentions...)
	case models.VisibilityFollowersOnly:
		return []string{followers}, mentions
	default:
		return mentions, nil
	}
}

// Follow sends a follow request to the actor with the given ap id. The
// Following row stays unaccepted until the remote end answers.
func (o *Outbox) Follow(ctx context.Context, targetApID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		target, err := models.NewActors(tx).FindOrCreateByApID(targetApID, o.env.FetchActorFn(ctx))
		if err != nil {
			return err
		}
		publicID, apID := o.newIDs()
		obj = &models.OutboxObject{
			PublicID:         publicID,
			Properties:       activities.Follow(apID, o.env.Account.ApID(), target.ApID),
			Visibility:       models.VisibilityDirect,
			RelatesToActorID: &target.ID,
			IsTransient:      true,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		if _, err := models.NewFollowings(tx).Upsert(target, obj); err != nil {
			return err
		}
		return queueDeliveries(tx, obj, []string{target.Inbox()})
	})
	return obj, err
}

// AcceptFollower answers a pending incoming follow request. The
// embedded Follow document is echoed back so the remote end can match
// the answer to its request.
func (o *Outbox) AcceptFollower(ctx context.Context, follower *models.Follower) error {
	return o.env.DB.Transaction(func(tx *gorm.DB) error {
		return o.answerFollower(tx, follower, true)
	})
}

// RejectFollower declines a pending incoming follow request.
func (o *Outbox) RejectFollower(ctx context.Context, follower *models.Follower) error {
	return o.env.DB.Transaction(func(tx *gorm.DB) error {
		return o.answerFollower(tx, follower, false)
	})
}

func (o *Outbox) answerFollower(tx *gorm.DB, follower *models.Follower, accept bool) error {
	var follow models.InboxObject
	if err := tx.Take(&follow, follower.InboxObjectID).Error; err != nil {
		return err
	}
	var actor models.Actor
	if err := tx.Take(&actor, follower.ActorID).Error; err != nil {
		return err
	}
	publicID, apID := o.newIDs()
	var props map[string]any
	followers := models.NewFollowers(tx)
	if accept {
		props = activities.Accept(apID, o.env.Account.ApID(), follow.Properties)
		if err := followers.Accept(follower); err != nil {
			return err
		}
	} else {
		props = activities.Reject(apID, o.env.Account.ApID(), follow.Properties)
		if err := followers.Reject(follower); err != nil {
			return err
		}
		notif := &models.Notification{
			Type:          models.NotificationRejectedFollower,
			ActorID:       &actor.ID,
			InboxObjectID: &follow.ID,
		}
		if err := tx.Create(notif).Error; err != nil {
			return err
		}
	}
	obj := &models.OutboxObject{
		PublicID:               publicID,
		Properties:             props,
		Visibility:             models.VisibilityDirect,
		ActivityObjectApID:     follow.ApID,
		RelatesToInboxObjectID: &follow.ID,
		IsTransient:            true,
	}
	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	return queueDeliveries(tx, obj, []string{actor.Inbox()})
}

// NoteParams describes a new note.
type NoteParams struct {
	Source     string
	InReplyTo  string
	Visibility models.Visibility
}

// CreateNote persists a note, adjusts the parent's reply counter when
// it is a reply, and queues deliveries to the audience. The stored
// object is the Note itself; the delivery worker wraps it in a Create.
func (o *Outbox) CreateNote(ctx context.Context, params NoteParams) (*models.OutboxObject, error) {
	if strings.TrimSpace(params.Source) == "" {
		return nil, errors.New("note has no content")
	}
	vis := params.Visibility
	switch vis {
	case "":
		vis = models.VisibilityPublic
	case models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityFollowersOnly, models.VisibilityDirect:
	default:
		return nil, fmt.Errorf("unknown visibility %q", vis)
	}
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		mentioned, err := mentionedActors(tx, params.Source)
		if err != nil {
			return err
		}
		to, cc := o.audience(vis, mentioned)

		publicID, apID := o.newIDs()
		props := map[string]any{
			"@context":     ASContext,
			"type":         "Note",
			"id":           apID,
			"attributedTo": o.env.Account.ApID(),
			"content":      params.Source,
			"published":    apNow(),
			"to":           to,
			"cc":           cc,
			"tag":          mentionTags(mentioned),
			"url":          apID,
		}

		conversation := fmt.Sprintf("%s/contexts/%s", o.env.BaseURL(), uuid.New().String())
		obj = &models.OutboxObject{
			PublicID:             publicID,
			Properties:           props,
			Source:               params.Source,
			Visibility:           vis,
			IsHiddenFromHomepage: params.InReplyTo != "",
		}

		recipients := actorInboxes(mentioned)
		if vis != models.VisibilityDirect {
			inboxes, err := followerInboxes(tx)
			if err != nil {
				return err
			}
			recipients = append(recipients, inboxes...)
		}

		if params.InReplyTo != "" {
			props["inReplyTo"] = params.InReplyTo
			parentInboxes, parentConversation, err := replyLinks(tx, params.InReplyTo)
			if err != nil {
				return err
			}
			recipients = append(recipients, parentInboxes...)
			if parentConversation != "" {
				conversation = parentConversation
			}
		}
		props["context"] = conversation
		obj.Conversation = conversation

		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		if err := queueDeliveries(tx, obj, recipients); err != nil {
			return err
		}
		if vis == models.VisibilityPublic {
			return queueWebmentions(tx, obj, params.Source)
		}
		return nil
	})
	return obj, err
}

// replyLinks resolves a parent by ap id, bumps its reply counter, and
// returns the inboxes the reply must also reach plus the parent's
// conversation.
func replyLinks(tx *gorm.DB, parentApID string) ([]string, string, error) {
	outbox := models.NewOutboxObjects(tx)
	if parent, err := outbox.FindByApID(parentApID); err == nil {
		if err := outbox.AdjustRepliesCount(parent, 1); err != nil {
			return nil, "", err
		}
		return nil, parent.Conversation, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}
	parent, err := models.NewInboxObjects(tx).FindByApID(parentApID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", fmt.Errorf("reply parent %s is not known", parentApID)
		}
		return nil, "", err
	}
	if err := models.AdjustRepliesCountInbox(tx, parent, 1); err != nil {
		return nil, "", err
	}
	var author models.Actor
	if err := tx.Take(&author, parent.ActorID).Error; err != nil {
		return nil, "", err
	}
	return []string{author.Inbox()}, parent.Conversation, nil
}

func actorInboxes(actors []*models.Actor) []string {
	return algorithms.Map(actors, func(a *models.Actor) string { return a.Inbox() })
}

var urlRE = regexp.MustCompile(`https?://[^\s"'<>]+`)

// queueWebmentions schedules a webmention for each link in a public
// note's source. Endpoint discovery happens at delivery time.
func queueWebmentions(tx *gorm.DB, obj *models.OutboxObject, source string) error {
	now := time.Now()
	for _, target := range algorithms.Uniq(urlRE.FindAllString(source, -1)) {
		act := &models.OutgoingActivity{
			WebmentionTarget: target,
			OutboxObjectID:   &obj.ID,
			NextTry:          now,
		}
		if err := tx.Create(act).Error; err != nil {
			return err
		}
	}
	return nil
}

var slugRE = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	return strings.Trim(slugRE.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// CreateArticle persists a long-form article. Articles are always
// public and carry a slug derived from their title.
func (o *Outbox) CreateArticle(ctx context.Context, source, name string) (*models.OutboxObject, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("article has no title")
	}
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		to, cc := o.audience(models.VisibilityPublic, nil)
		publicID, apID := o.newIDs()
		conversation := fmt.Sprintf("%s/contexts/%s", o.env.BaseURL(), uuid.New().String())
		obj = &models.OutboxObject{
			PublicID: publicID,
			Slug:     slugify(name),
			Properties: map[string]any{
				"@context":     ASContext,
				"type":         "Article",
				"id":           apID,
				"attributedTo": o.env.Account.ApID(),
				"name":         name,
				"content":      source,
				"published":    apNow(),
				"context":      conversation,
				"to":           to,
				"cc":           cc,
				"url":          apID,
			},
			Source:       source,
			Visibility:   models.VisibilityPublic,
			Conversation: conversation,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		inboxes, err := followerInboxes(tx)
		if err != nil {
			return err
		}
		if err := queueDeliveries(tx, obj, inboxes); err != nil {
			return err
		}
		return queueWebmentions(tx, obj, source)
	})
	return obj, err
}

// QuestionParams describes a new poll.
type QuestionParams struct {
	Source     string
	Answers    []string
	PollType   string // "oneOf" or "anyOf"
	Duration   time.Duration
	Visibility models.Visibility
}

// CreateQuestion persists a poll with zeroed tallies. Votes arrive as
// inbox replies and are re-tallied from poll answer rows.
func (o *Outbox) CreateQuestion(ctx context.Context, params QuestionParams) (*models.OutboxObject, error) {
	if len(params.Answers) < 2 || len(params.Answers) > 20 {
		return nil, fmt.Errorf("poll needs between 2 and 20 answers, got %d", len(params.Answers))
	}
	if params.PollType != "oneOf" && params.PollType != "anyOf" {
		return nil, fmt.Errorf("unknown poll type %q", params.PollType)
	}
	if params.Duration <= 0 {
		return nil, errors.New("poll duration must be positive")
	}
	vis := params.Visibility
	if vis == "" {
		vis = models.VisibilityPublic
	}
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		to, cc := o.audience(vis, nil)
		publicID, apID := o.newIDs()
		items := algorithms.Map(params.Answers, func(name string) any {
			return map[string]any{
				"type": "Note",
				"name": name,
				"replies": map[string]any{
					"type":       "Collection",
					"totalItems": 0,
				},
			}
		})
		conversation := fmt.Sprintf("%s/contexts/%s", o.env.BaseURL(), uuid.New().String())
		obj = &models.OutboxObject{
			PublicID: publicID,
			Properties: map[string]any{
				"@context":     ASContext,
				"type":         "Question",
				"id":           apID,
				"attributedTo": o.env.Account.ApID(),
				"content":      params.Source,
				"published":    apNow(),
				"endTime":      time.Now().UTC().Add(params.Duration).Format(time.RFC3339),
				"votersCount":  0,
				params.PollType: items,
				"context":       conversation,
				"to":            to,
				"cc":            cc,
				"url":           apID,
			},
			Source:       params.Source,
			Visibility:   vis,
			Conversation: conversation,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		inboxes, err := followerInboxes(tx)
		if err != nil {
			return err
		}
		return queueDeliveries(tx, obj, inboxes)
	})
	return obj, err
}

// resolveInboxObject returns the inbox object with the given ap id,
// fetching and storing it when it has not been seen before.
func (o *Outbox) resolveInboxObject(ctx context.Context, tx *gorm.DB, apID string) (*models.InboxObject, error) {
	obj, err := models.NewInboxObjects(tx).FindByApID(apID)
	if err == nil {
		if obj.IsDeleted {
			return nil, fmt.Errorf("object %s is deleted", apID)
		}
		return obj, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	props, err := o.env.FetchObject(ctx, apID)
	if err != nil {
		return nil, err
	}
	authorApID := objectID(props["attributedTo"])
	if authorApID == "" {
		return nil, fmt.Errorf("object %s has no attributedTo", apID)
	}
	author, err := models.NewActors(tx).FindOrCreateByApID(authorApID, o.env.FetchActorFn(ctx))
	if err != nil {
		return nil, err
	}
	obj = &models.InboxObject{
		ActorID:            author.ID,
		Server:             hostOf(authorApID),
		Properties:         props,
		Visibility:         visibility(props, author.FollowersURL()),
		Conversation:       conversationFor(props, stringFromAny(props["id"])),
		IsHiddenFromStream: true,
	}
	if err := tx.Create(obj).Error; err != nil {
		return nil, err
	}
	return obj, nil
}

// Like records a like of a remote object and queues its delivery to
// the object's author.
func (o *Outbox) Like(ctx context.Context, targetApID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		target, err := o.resolveInboxObject(ctx, tx, targetApID)
		if err != nil {
			return err
		}
		if target.LikedViaOutboxObjectApID != "" {
			return fmt.Errorf("object %s is already liked", target.ApID)
		}
		var author models.Actor
		if err := tx.Take(&author, target.ActorID).Error; err != nil {
			return err
		}
		publicID, apID := o.newIDs()
		obj = &models.OutboxObject{
			PublicID:               publicID,
			Properties:             activities.Like(apID, o.env.Account.ApID(), target.ApID, []string{author.ApID}),
			Visibility:             models.VisibilityDirect,
			ActivityObjectApID:     target.ApID,
			RelatesToInboxObjectID: &target.ID,
			IsTransient:            true,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		err = tx.Model(target).UpdateColumn("liked_via_outbox_object_ap_id", obj.ApID).Error
		if err != nil {
			return err
		}
		return queueDeliveries(tx, obj, []string{author.Inbox()})
	})
	return obj, err
}

// Announce boosts a remote object to the local followers.
func (o *Outbox) Announce(ctx context.Context, targetApID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		target, err := o.resolveInboxObject(ctx, tx, targetApID)
		if err != nil {
			return err
		}
		if target.AnnouncedViaOutboxObjectApID != "" {
			return fmt.Errorf("object %s is already announced", target.ApID)
		}
		if target.Visibility != models.VisibilityPublic && target.Visibility != models.VisibilityUnlisted {
			return fmt.Errorf("object %s is not public", target.ApID)
		}
		var author models.Actor
		if err := tx.Take(&author, target.ActorID).Error; err != nil {
			return err
		}
		publicID, apID := o.newIDs()
		to := []string{ASPublic}
		cc := []string{o.env.Account.FollowersURL(), author.ApID}
		obj = &models.OutboxObject{
			PublicID:               publicID,
			Properties:             activities.Announce(apID, o.env.Account.ApID(), target.ApID, to, cc),
			Visibility:             models.VisibilityPublic,
			ActivityObjectApID:     target.ApID,
			RelatesToInboxObjectID: &target.ID,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		err = tx.Model(target).UpdateColumn("announced_via_outbox_object_ap_id", obj.ApID).Error
		if err != nil {
			return err
		}
		inboxes, err := followerInboxes(tx)
		if err != nil {
			return err
		}
		return queueDeliveries(tx, obj, append(inboxes, author.Inbox()))
	})
	return obj, err
}

// Vote answers a remote poll. One delivery per chosen answer, each a
// transient Note addressed only to the poll's author.
func (o *Outbox) Vote(ctx context.Context, pollApID string, names []string) ([]*models.OutboxObject, error) {
	var objs []*models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		poll, err := o.resolveInboxObject(ctx, tx, pollApID)
		if err != nil {
			return err
		}
		if poll.ApType != "Question" {
			return fmt.Errorf("object %s is not a poll", poll.ApID)
		}
		if len(poll.VotedForAnswers) > 0 {
			return fmt.Errorf("already voted on %s", poll.ApID)
		}
		var author models.Actor
		if err := tx.Take(&author, poll.ActorID).Error; err != nil {
			return err
		}
		for _, name := range names {
			publicID, apID := o.newIDs()
			obj := &models.OutboxObject{
				PublicID: publicID,
				Properties: map[string]any{
					"@context":     ASContext,
					"type":         "Note",
					"id":           apID,
					"attributedTo": o.env.Account.ApID(),
					"name":         name,
					"inReplyTo":    poll.ApID,
					"published":    apNow(),
					"to":           []string{author.ApID},
				},
				Visibility:             models.VisibilityDirect,
				RelatesToInboxObjectID: &poll.ID,
				IsTransient:            true,
			}
			if err := tx.Create(obj).Error; err != nil {
				return err
			}
			if err := queueDeliveries(tx, obj, []string{author.Inbox()}); err != nil {
				return err
			}
			objs = append(objs, obj)
		}
		poll.VotedForAnswers = names
		return tx.Save(poll).Error
	})
	return objs, err
}

// Undo reverses a previously sent activity: unfollow, unlike,
// unannounce or unblock, depending on what the original was.
func (o *Outbox) Undo(ctx context.Context, apID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		outbox := models.NewOutboxObjects(tx)
		original, err := outbox.FindByApID(apID)
		if err != nil {
			return err
		}
		if original.UndoneByOutboxObjectID != nil {
			return fmt.Errorf("activity %s is already undone", apID)
		}

		recipients, err := o.undoSideEffects(tx, original)
		if err != nil {
			return err
		}

		publicID, undoApID := o.newIDs()
		obj = &models.OutboxObject{
			PublicID:                publicID,
			Properties:              activities.Undo(undoApID, o.env.Account.ApID(), original.Properties, recipients),
			Visibility:              models.VisibilityDirect,
			ActivityObjectApID:      original.ApID,
			RelatesToOutboxObjectID: &original.ID,
			IsTransient:             true,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		if err := outbox.MarkUndone(original, obj); err != nil {
			return err
		}
		inboxes, err := o.undoRecipients(tx, original)
		if err != nil {
			return err
		}
		return queueDeliveries(tx, obj, inboxes)
	})
	return obj, err
}

// undoSideEffects applies the state reversal for the original activity
// and returns the actor ids to address the Undo to.
func (o *Outbox) undoSideEffects(tx *gorm.DB, original *models.OutboxObject) ([]string, error) {
	switch original.ApType {
	case "Follow":
		actor, err := relatedActor(tx, original)
		if err != nil {
			return nil, err
		}
		if err := models.NewFollowings(tx).Remove(actor.ApID); err != nil {
			return nil, err
		}
		return []string{actor.ApID}, nil
	case "Like":
		target, err := relatedInboxObject(tx, original)
		if err != nil {
			return nil, err
		}
		err = tx.Model(target).UpdateColumn("liked_via_outbox_object_ap_id", "").Error
		return []string{objectID(original.Properties["object"])}, err
	case "Announce":
		target, err := relatedInboxObject(tx, original)
		if err != nil {
			return nil, err
		}
		err = tx.Model(target).UpdateColumn("announced_via_outbox_object_ap_id", "").Error
		return []string{objectID(original.Properties["object"])}, err
	case "Block":
		actor, err := relatedActor(tx, original)
		if err != nil {
			return nil, err
		}
		if err := models.NewActors(tx).SetBlocked(actor, false); err != nil {
			return nil, err
		}
		notif := &models.Notification{Type: models.NotificationUnblock, ActorID: &actor.ID}
		return []string{actor.ApID}, tx.Create(notif).Error
	default:
		return nil, fmt.Errorf("cannot undo a %s", original.ApType)
	}
}

// undoRecipients mirrors the audience of the original delivery.
func (o *Outbox) undoRecipients(tx *gorm.DB, original *models.OutboxObject) ([]string, error) {
	switch original.ApType {
	case "Follow", "Block":
		actor, err := relatedActor(tx, original)
		if err != nil {
			return nil, err
		}
		return []string{actor.Inbox()}, nil
	case "Like":
		target, err := relatedInboxObject(tx, original)
		if err != nil {
			return nil, err
		}
		var author models.Actor
		if err := tx.Take(&author, target.ActorID).Error; err != nil {
			return nil, err
		}
		return []string{author.Inbox()}, nil
	case "Announce":
		target, err := relatedInboxObject(tx, original)
		if err != nil {
			return nil, err
		}
		var author models.Actor
		if err := tx.Take(&author, target.ActorID).Error; err != nil {
			return nil, err
		}
		inboxes, err := followerInboxes(tx)
		if err != nil {
			return nil, err
		}
		return append(inboxes, author.Inbox()), nil
	default:
		return nil, nil
	}
}

func relatedActor(tx *gorm.DB, obj *models.OutboxObject) (*models.Actor, error) {
	if obj.RelatesToActorID == nil {
		return nil, fmt.Errorf("activity %s has no related actor", obj.ApID)
	}
	var actor models.Actor
	if err := tx.Take(&actor, *obj.RelatesToActorID).Error; err != nil {
		return nil, err
	}
	return &actor, nil
}

func relatedInboxObject(tx *gorm.DB, obj *models.OutboxObject) (*models.InboxObject, error) {
	if obj.RelatesToInboxObjectID == nil {
		return nil, fmt.Errorf("activity %s has no related object", obj.ApID)
	}
	var target models.InboxObject
	if err := tx.Take(&target, *obj.RelatesToInboxObjectID).Error; err != nil {
		return nil, err
	}
	return &target, nil
}

// Delete tombstones a local object and tells the audience. The reply
// counter of the parent is given back exactly once.
func (o *Outbox) Delete(ctx context.Context, apID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		outbox := models.NewOutboxObjects(tx)
		target, err := outbox.FindByApID(apID)
		if err != nil {
			return err
		}
		if target.IsDeleted {
			return fmt.Errorf("object %s is already deleted", apID)
		}

		recipients, err := followerInboxes(tx)
		if err != nil {
			return err
		}
		if parentApID := target.InReplyTo(); parentApID != "" {
			if parent, err := outbox.FindByApID(parentApID); err == nil {
				if err := outbox.AdjustRepliesCount(parent, -1); err != nil {
					return err
				}
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			} else if parent, err := models.NewInboxObjects(tx).FindByApID(parentApID); err == nil {
				if err := models.AdjustRepliesCountInbox(tx, parent, -1); err != nil {
					return err
				}
				var author models.Actor
				if err := tx.Take(&author, parent.ActorID).Error; err != nil {
					return err
				}
				recipients = append(recipients, author.Inbox())
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if err := outbox.Tombstone(target); err != nil {
			return err
		}

		publicID, deleteApID := o.newIDs()
		to, cc := o.audience(target.Visibility, nil)
		obj = &models.OutboxObject{
			PublicID:                publicID,
			Properties:              activities.Delete(deleteApID, o.env.Account.ApID(), target.ApID, to, cc),
			Visibility:              target.Visibility,
			ActivityObjectApID:      target.ApID,
			RelatesToOutboxObjectID: &target.ID,
			IsTransient:             true,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		return queueDeliveries(tx, obj, recipients)
	})
	return obj, err
}

// Block blocks a remote actor and notifies it.
func (o *Outbox) Block(ctx context.Context, targetApID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		actors := models.NewActors(tx)
		target, err := actors.FindOrCreateByApID(targetApID, o.env.FetchActorFn(ctx))
		if err != nil {
			return err
		}
		if err := actors.SetBlocked(target, true); err != nil {
			return err
		}
		if err := models.NewFollowers(tx).Remove(target.ApID); err != nil {
			return err
		}
		publicID, apID := o.newIDs()
		obj = &models.OutboxObject{
			PublicID:         publicID,
			Properties:       activities.Block(apID, o.env.Account.ApID(), target.ApID),
			Visibility:       models.VisibilityDirect,
			ActivityObjectApID: target.ApID,
			RelatesToActorID: &target.ID,
			IsTransient:      true,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		notif := &models.Notification{Type: models.NotificationBlock, ActorID: &target.ID}
		if err := tx.Create(notif).Error; err != nil {
			return err
		}
		return queueDeliveries(tx, obj, []string{target.Inbox()})
	})
	return obj, err
}

// Move announces a migration to another actor. The target must list
// the local actor in its alsoKnownAs for followers to honour the move.
func (o *Outbox) Move(ctx context.Context, targetApID string) (*models.OutboxObject, error) {
	var obj *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		target, err := models.NewActors(tx).FindOrCreateByApID(targetApID, o.env.FetchActorFn(ctx))
		if err != nil {
			return err
		}
		known := false
		for _, aka := range target.AlsoKnownAs() {
			if aka == o.env.Account.ApID() {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%s does not list %s in alsoKnownAs", target.ApID, o.env.Account.ApID())
		}
		publicID, apID := o.newIDs()
		obj = &models.OutboxObject{
			PublicID:         publicID,
			Properties:       activities.Move(apID, o.env.Account.ApID(), target.ApID, []string{o.env.Account.FollowersURL()}),
			Visibility:       models.VisibilityFollowersOnly,
			RelatesToActorID: &target.ID,
			IsTransient:      true,
		}
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		inboxes, err := followerInboxes(tx)
		if err != nil {
			return err
		}
		return queueDeliveries(tx, obj, inboxes)
	})
	return obj, err
}

// Update edits a local object's content, keeping the previous source
// in the revision history, and queues Update deliveries.
func (o *Outbox) Update(ctx context.Context, apID, newSource string) (*models.OutboxObject, error) {
	var activity *models.OutboxObject
	err := o.env.DB.Transaction(func(tx *gorm.DB) error {
		target, err := models.NewOutboxObjects(tx).FindByApID(apID)
		if err != nil {
			return err
		}
		if target.IsDeleted {
			return fmt.Errorf("object %s is deleted", apID)
		}
		switch target.ApType {
		case "Note", "Article", "Question":
		default:
			return fmt.Errorf("cannot edit a %s", target.ApType)
		}

		target.Revisions = append(target.Revisions, models.Revision{
			Source:    target.Source,
			UpdatedAt: apNow(),
		})
		target.Source = newSource
		target.Properties["content"] = newSource
		target.Properties["updated"] = apNow()
		if err := tx.Save(target).Error; err != nil {
			return err
		}

		publicID, updateApID := o.newIDs()
		activity = &models.OutboxObject{
			PublicID:                publicID,
			Properties:              activities.Update(updateApID, o.env.Account.ApID(), target.Properties),
			Visibility:              target.Visibility,
			ActivityObjectApID:      target.ApID,
			RelatesToOutboxObjectID: &target.ID,
			IsTransient:             true,
		}
		if err := tx.Create(activity).Error; err != nil {
			return err
		}
		inboxes, err := followerInboxes(tx)
		if err != nil {
			return err
		}
		return queueDeliveries(tx, activity, inboxes)
	})
	return activity, err
}

// Pin marks an object for the profile's pinned collection.
func (o *Outbox) Pin(apID string, pinned bool) error {
	outbox := models.NewOutboxObjects(o.env.DB)
	obj, err := outbox.FindByApID(apID)
	if err != nil {
		return err
	}
	return o.env.DB.Model(obj).UpdateColumn("is_pinned", pinned).Error
}
