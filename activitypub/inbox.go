package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub/activities"
	"github.com/solopub/solopub/models"
)

// Inbox applies remote activities to local state. Each activity is
// processed in a single transaction: the stored inbox row, its side
// effects and any forward deliveries commit together.
type Inbox struct {
	env    *Env
	outbox *Outbox
}

func NewInbox(env *Env) *Inbox {
	return &Inbox{env: env, outbox: NewOutbox(env)}
}

// ProcessActivity ingests one remote activity. Re-delivery of an
// already seen ap id returns the existing row without side effects.
// Unverified payloads are rejected with ErrNotVerified; such errors
// are permanent and must not be retried.
func (i *Inbox) ProcessActivity(ctx context.Context, raw map[string]any, verified bool) (*models.InboxObject, error) {
	apID := stringFromAny(raw["id"])
	typ := stringFromAny(raw["type"])
	actorApID := objectID(raw["actor"])
	if apID == "" || typ == "" || actorApID == "" {
		return nil, fmt.Errorf("%w: missing id, type or actor", ErrMalformed)
	}
	if !verified {
		return nil, fmt.Errorf("%w: %s from %s", ErrNotVerified, typ, actorApID)
	}

	if existing, err := models.NewInboxObjects(i.env.DB).FindByApID(apID); err == nil {
		i.env.Log().Info("dropping duplicate activity", "ap_id", apID)
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var obj *models.InboxObject
	err := i.env.DB.Transaction(func(tx *gorm.DB) error {
		actor, err := models.NewActors(tx).FindOrCreateByApID(actorApID, i.env.FetchActorFn(ctx))
		if err != nil {
			return err
		}
		if actor.IsBlocked {
			i.env.Log().Info("dropping activity from blocked actor", "actor", actorApID, "type", typ)
			return nil
		}

		obj = &models.InboxObject{
			ActorID:            actor.ID,
			Server:             hostOf(actorApID),
			ApType:             typ,
			ApID:               apID,
			Properties:         raw,
			Visibility:         visibility(raw, actor.FollowersURL()),
			Conversation:       conversationFor(raw, apID),
			ActivityObjectApID: objectID(raw["object"]),
			IsHiddenFromStream: true,
		}

		switch typ {
		case "Create":
			return i.handleCreate(ctx, tx, actor, obj, raw)
		case "Update":
			return i.handleUpdate(tx, actor, obj, raw)
		case "Follow":
			return i.handleFollow(tx, actor, obj)
		case "Accept", "Reject":
			return i.handleFollowAnswer(tx, actor, obj, typ == "Accept")
		case "Like":
			return i.handleLike(tx, actor, obj)
		case "Announce":
			return i.handleAnnounce(ctx, tx, actor, obj)
		case "Undo":
			return i.handleUndo(tx, actor, obj)
		case "Delete":
			return i.handleDelete(tx, actor, obj)
		case "Block":
			return i.handleBlock(tx, actor, obj)
		case "Move":
			return i.handleMove(ctx, tx, actor, obj, raw)
		default:
			// unknown vocabulary is stored verbatim and otherwise ignored
			i.env.Log().Info("storing unhandled activity", "type", typ, "ap_id", apID)
			return tx.Create(obj).Error
		}
	})
	return obj, err
}

// handleCreate unwraps the carried object and stores it as the inbox
// row. Replies to a local poll whose object carries a bare name are
// votes, not content.
func (i *Inbox) handleCreate(ctx context.Context, tx *gorm.DB, actor *models.Actor, activity *models.InboxObject, raw map[string]any) error {
	props := mapFromAny(raw["object"])
	if props == nil {
		return fmt.Errorf("%w: Create carries no object", ErrMalformed)
	}
	objApID := stringFromAny(props["id"])
	if objApID == "" {
		return fmt.Errorf("%w: created object has no id", ErrMalformed)
	}
	if objectID(props["attributedTo"]) != actor.ApID {
		return fmt.Errorf("%w: object %s not attributed to %s", ErrMalformed, objApID, actor.ApID)
	}

	// the object, not the wrapping Create, is what we keep
	if existing, err := models.NewInboxObjects(tx).FindByApID(objApID); err == nil {
		*activity = *existing
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	obj := &models.InboxObject{
		ActorID:      actor.ID,
		Server:       hostOf(actor.ApID),
		ApID:         objApID,
		Properties:   props,
		Visibility:   visibility(props, actor.FollowersURL()),
		Conversation: conversationFor(props, objApID),
	}

	inReplyTo := stringFromAny(props["inReplyTo"])

	if inReplyTo != "" && stringFromAny(props["name"]) != "" && stringFromAny(props["content"]) == "" {
		if done, err := i.handleVote(tx, actor, obj, inReplyTo); err != nil || done {
			return err
		}
	}

	mention := i.hasLocalMention(props)
	obj.HasLocalMention = mention
	obj.IsHiddenFromStream = !mention && obj.Visibility != models.VisibilityPublic && obj.Visibility != models.VisibilityUnlisted

	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	*activity = *obj

	if mention {
		notif := &models.Notification{Type: models.NotificationMention, ActorID: &actor.ID, InboxObjectID: &obj.ID}
		if err := tx.Create(notif).Error; err != nil {
			return err
		}
	}

	if inReplyTo != "" {
		if err := i.linkReply(tx, obj, inReplyTo); err != nil {
			return err
		}
	}

	// replies into a conversation rooted here are forwarded to
	// followers, so the whole thread stays visible downstream
	if i.env.isLocal(obj.Conversation) {
		return forwardToFollowers(tx, obj)
	}
	return nil
}

// handleVote records a poll answer when inReplyTo names a local open
// Question. Returns true when the object was consumed as a vote.
func (i *Inbox) handleVote(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject, inReplyTo string) (bool, error) {
	poll, err := models.NewOutboxObjects(tx).FindByApID(inReplyTo)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if poll.ApType != "Question" {
		return false, nil
	}
	name := stringFromAny(obj.Properties["name"])
	if poll.IsPollEnded() {
		i.env.Log().Info("dropping vote on ended poll", "poll", poll.ApID, "actor", actor.ApID)
		return true, nil
	}
	valid := false
	for _, item := range poll.PollItems() {
		if item.Name == name {
			valid = true
			break
		}
	}
	if !valid {
		i.env.Log().Info("dropping vote for unknown answer", "poll", poll.ApID, "name", name)
		return true, nil
	}

	obj.IsHiddenFromStream = true
	obj.RelatesToOutboxObjectID = &poll.ID
	if err := tx.Create(obj).Error; err != nil {
		return true, err
	}
	_, err = models.NewPollAnswers(tx).Record(poll, actor, obj, name)
	if errors.Is(err, models.ErrDuplicateVote) {
		i.env.Log().Info("dropping duplicate vote", "poll", poll.ApID, "actor", actor.ApID)
		return true, nil
	}
	return true, err
}

func (i *Inbox) hasLocalMention(props map[string]any) bool {
	local := i.env.Account.ApID()
	for _, id := range mentionedActorIDs(props) {
		if id == local {
			return true
		}
	}
	for _, field := range []string{"to", "cc"} {
		for r := range recipientSet(props[field]) {
			if r == local {
				return true
			}
		}
	}
	return false
}

// linkReply bumps the reply counter of the parent when it is known
// locally. An unknown parent is tolerated; threads arrive out of order.
func (i *Inbox) linkReply(tx *gorm.DB, obj *models.InboxObject, inReplyTo string) error {
	outbox := models.NewOutboxObjects(tx)
	if parent, err := outbox.FindByApID(inReplyTo); err == nil {
		if parent.IsDeleted {
			return nil
		}
		if err := outbox.AdjustRepliesCount(parent, 1); err != nil {
			return err
		}
		return tx.Model(obj).UpdateColumns(map[string]interface{}{
			"relates_to_outbox_object_id": parent.ID,
			"is_hidden_from_stream":       false,
		}).Error
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if parent, err := models.NewInboxObjects(tx).FindByApID(inReplyTo); err == nil {
		if parent.IsDeleted {
			return nil
		}
		return models.AdjustRepliesCountInbox(tx, parent, 1)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	i.env.Log().Info("reply to unknown parent", "ap_id", obj.ApID, "in_reply_to", inReplyTo)
	return nil
}

// forwardToFollowers queues the stored payload for re-delivery to all
// accepted followers.
func forwardToFollowers(tx *gorm.DB, obj *models.InboxObject) error {
	inboxes, err := followerInboxes(tx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, inbox := range inboxes {
		act := &models.OutgoingActivity{
			Recipient:     inbox,
			InboxObjectID: &obj.ID,
			NextTry:       now,
		}
		if err := tx.Create(act).Error; err != nil {
			return err
		}
	}
	return nil
}

// handleFollow materializes an incoming follow request. Unless the
// account manually approves followers the Accept goes out immediately.
func (i *Inbox) handleFollow(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject) error {
	if obj.ActivityObjectApID != i.env.Account.ApID() {
		return fmt.Errorf("%w: follow of unknown object %s", ErrMalformed, obj.ActivityObjectApID)
	}
	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	autoAccept := !i.env.Account.ManuallyApprovesFollowers
	follower, err := models.NewFollowers(tx).Upsert(actor, obj, autoAccept)
	if err != nil {
		return err
	}
	typ := models.NotificationNewFollower
	if !autoAccept {
		typ = models.NotificationPendingFollower
	}
	notif := &models.Notification{Type: typ, ActorID: &actor.ID, InboxObjectID: &obj.ID}
	if err := tx.Create(notif).Error; err != nil {
		return err
	}
	if autoAccept {
		follower.IsAccepted = false // answerFollower flips it
		return i.outbox.answerFollower(tx, follower, true)
	}
	return nil
}

// handleFollowAnswer resolves an Accept/Reject against the pending
// outgoing follow it answers.
func (i *Inbox) handleFollowAnswer(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject, accepted bool) error {
	followApID := obj.ActivityObjectApID
	if followApID == "" {
		return fmt.Errorf("%w: answer carries no object", ErrMalformed)
	}
	followings := models.NewFollowings(tx)
	following, err := followings.FindByFollowApID(followApID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			i.env.Log().Warn("answer to unknown follow", "ap_id", obj.ApID, "follow", followApID)
			return tx.Create(obj).Error
		}
		return err
	}
	if following.ApActorID != actor.ApID {
		return fmt.Errorf("%w: %s answered a follow aimed at %s", ErrMalformed, actor.ApID, following.ApActorID)
	}
	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	typ := models.NotificationFollowRequestAccepted
	if accepted {
		err = followings.Accept(following)
	} else {
		typ = models.NotificationFollowRequestRejected
		err = followings.Reject(following)
	}
	if err != nil {
		return err
	}
	notif := &models.Notification{Type: typ, ActorID: &actor.ID, InboxObjectID: &obj.ID}
	return tx.Create(notif).Error
}

// handleLike links a remote Like to the local object it reacts to. The
// target's counter is re-counted by the row's save hook.
func (i *Inbox) handleLike(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject) error {
	target, err := models.NewOutboxObjects(tx).FindByApID(obj.ActivityObjectApID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			i.env.Log().Info("like of unknown object", "ap_id", obj.ApID, "object", obj.ActivityObjectApID)
			return tx.Create(obj).Error
		}
		return err
	}
	obj.RelatesToOutboxObjectID = &target.ID
	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	notif := &models.Notification{
		Type:           models.NotificationLike,
		ActorID:        &actor.ID,
		OutboxObjectID: &target.ID,
		InboxObjectID:  &obj.ID,
	}
	return tx.Create(notif).Error
}

// handleAnnounce links a boost of a local object, or stores the
// announced remote object when it is new to us.
func (i *Inbox) handleAnnounce(ctx context.Context, tx *gorm.DB, actor *models.Actor, obj *models.InboxObject) error {
	if target, err := models.NewOutboxObjects(tx).FindByApID(obj.ActivityObjectApID); err == nil {
		obj.RelatesToOutboxObjectID = &target.ID
		if err := tx.Create(obj).Error; err != nil {
			return err
		}
		notif := &models.Notification{
			Type:           models.NotificationAnnounce,
			ActorID:        &actor.ID,
			OutboxObjectID: &target.ID,
			InboxObjectID:  &obj.ID,
		}
		return tx.Create(notif).Error
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if target, err := models.NewInboxObjects(tx).FindByApID(obj.ActivityObjectApID); err == nil {
		obj.RelatesToInboxObjectID = &target.ID
		return tx.Create(obj).Error
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	target, err := i.outbox.resolveInboxObject(ctx, tx, obj.ActivityObjectApID)
	if err != nil {
		i.env.Log().Warn("announced object could not be fetched", "object", obj.ActivityObjectApID, "err", err)
		return tx.Create(obj).Error
	}
	obj.RelatesToInboxObjectID = &target.ID
	return tx.Create(obj).Error
}

// handleUndo reverses an earlier activity from the same actor.
func (i *Inbox) handleUndo(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject) error {
	inbox := models.NewInboxObjects(tx)
	original, err := inbox.FindByApID(obj.ActivityObjectApID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			i.env.Log().Info("undo of unknown activity", "ap_id", obj.ApID, "object", obj.ActivityObjectApID)
			return tx.Create(obj).Error
		}
		return err
	}
	if original.ActorID != actor.ID {
		return fmt.Errorf("%w: %s cannot undo an activity by another actor", ErrMalformed, actor.ApID)
	}

	obj.RelatesToInboxObjectID = &original.ID
	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	if err := inbox.MarkUndone(original, obj); err != nil {
		return err
	}

	var typ models.NotificationType
	switch original.ApType {
	case "Follow":
		if err := models.NewFollowers(tx).Remove(actor.ApID); err != nil {
			return err
		}
		typ = models.NotificationUnfollow
	case "Like":
		typ = models.NotificationUndoLike
	case "Announce":
		typ = models.NotificationUndoAnnounce
	case "Block":
		typ = models.NotificationUnblocked
	default:
		return nil
	}
	notif := &models.Notification{Type: typ, ActorID: &actor.ID, InboxObjectID: &original.ID}
	return tx.Create(notif).Error
}

// handleDelete soft-deletes the named object. A delete of something we
// never fetched leaves a transient tombstone so it is not fetched
// later.
func (i *Inbox) handleDelete(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject) error {
	targetApID := obj.ActivityObjectApID
	if targetApID == "" {
		return fmt.Errorf("%w: delete names no object", ErrMalformed)
	}
	if err := tx.Create(obj).Error; err != nil {
		return err
	}

	if targetApID == actor.ApID {
		return models.NewActors(tx).MarkDeleted(actor)
	}

	inbox := models.NewInboxObjects(tx)
	target, err := inbox.FindByApID(targetApID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		tombstone := &models.InboxObject{
			ActorID:            actor.ID,
			Server:             hostOf(actor.ApID),
			ApType:             "Tombstone",
			ApID:               targetApID,
			Properties:         map[string]any{"id": targetApID, "type": "Tombstone"},
			Visibility:         models.VisibilityDirect,
			IsHiddenFromStream: true,
			IsDeleted:          true,
			IsTransient:        true,
		}
		return tx.Create(tombstone).Error
	}
	if target.ActorID != actor.ID {
		return fmt.Errorf("%w: %s cannot delete an object by another actor", ErrMalformed, actor.ApID)
	}
	if target.IsDeleted {
		return nil
	}
	if inReplyTo := stringFromAny(target.Properties["inReplyTo"]); inReplyTo != "" {
		outbox := models.NewOutboxObjects(tx)
		if parent, err := outbox.FindByApID(inReplyTo); err == nil && !parent.IsDeleted {
			if err := outbox.AdjustRepliesCount(parent, -1); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return inbox.MarkDeleted(target)
}

// handleBlock only surfaces a notification; a remote block carries no
// local state.
func (i *Inbox) handleBlock(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject) error {
	if err := tx.Create(obj).Error; err != nil {
		return err
	}
	notif := &models.Notification{Type: models.NotificationBlocked, ActorID: &actor.ID, InboxObjectID: &obj.ID}
	return tx.Create(notif).Error
}

// handleMove switches the follow to the actor's new identity when the
// new identity vouches for the old one via alsoKnownAs.
func (i *Inbox) handleMove(ctx context.Context, tx *gorm.DB, actor *models.Actor, obj *models.InboxObject, raw map[string]any) error {
	oldApID := objectID(raw["object"])
	newApID := objectID(raw["target"])
	if oldApID == "" || newApID == "" {
		return fmt.Errorf("%w: move without object or target", ErrMalformed)
	}
	if oldApID != actor.ApID {
		return fmt.Errorf("%w: %s cannot move %s", ErrMalformed, actor.ApID, oldApID)
	}
	if err := tx.Create(obj).Error; err != nil {
		return err
	}

	newActor, err := models.NewActors(tx).FindOrCreateByApID(newApID, i.env.FetchActorFn(ctx))
	if err != nil {
		return err
	}
	vouched := false
	for _, aka := range newActor.AlsoKnownAs() {
		if aka == oldApID {
			vouched = true
			break
		}
	}
	if !vouched {
		i.env.Log().Warn("move target does not vouch for the old actor", "old", oldApID, "new", newApID)
		return nil
	}

	notif := &models.Notification{Type: models.NotificationMove, ActorID: &actor.ID, InboxObjectID: &obj.ID}
	if err := tx.Create(notif).Error; err != nil {
		return err
	}

	// refollow under the new identity when we followed the old one
	var followings []models.Following
	if err := tx.Where("ap_actor_id = ? AND is_accepted = true", oldApID).Find(&followings).Error; err != nil {
		return err
	}
	if len(followings) == 0 {
		return nil
	}
	if err := models.NewFollowings(tx).Remove(oldApID); err != nil {
		return err
	}
	publicID, followApID := i.outbox.newIDs()
	follow := &models.OutboxObject{
		PublicID:         publicID,
		Properties:       activities.Follow(followApID, i.env.Account.ApID(), newActor.ApID),
		Visibility:       models.VisibilityDirect,
		RelatesToActorID: &newActor.ID,
		IsTransient:      true,
	}
	if err := tx.Create(follow).Error; err != nil {
		return err
	}
	if _, err := models.NewFollowings(tx).Upsert(newActor, follow); err != nil {
		return err
	}
	return queueDeliveries(tx, follow, []string{newActor.Inbox()})
}

// handleUpdate refreshes a previously seen actor or object in place.
func (i *Inbox) handleUpdate(tx *gorm.DB, actor *models.Actor, obj *models.InboxObject, raw map[string]any) error {
	props := mapFromAny(raw["object"])
	if props == nil {
		return fmt.Errorf("%w: Update carries no object", ErrMalformed)
	}
	targetApID := stringFromAny(props["id"])
	if targetApID == "" {
		return fmt.Errorf("%w: updated object has no id", ErrMalformed)
	}

	if targetApID == actor.ApID {
		return models.NewActors(tx).Refresh(actor, props)
	}

	target, err := models.NewInboxObjects(tx).FindByApID(targetApID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			i.env.Log().Info("update of unknown object", "object", targetApID)
			return nil
		}
		return err
	}
	if target.ActorID != actor.ID {
		return fmt.Errorf("%w: %s cannot update an object by another actor", ErrMalformed, actor.ApID)
	}
	if target.IsDeleted {
		return nil
	}
	target.Properties = props
	return tx.Save(target).Error
}

// IsPermanent reports whether a processing error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrNotVerified)
}
