// Package activities builds the JSON-LD documents for outgoing activities.
// Documents are plain maps so they round-trip through the object store's
// properties column unchanged.
package activities

import "time"

const context = "https://www.w3.org/ns/activitystreams"

// New returns the skeleton of an activity document.
func New(typ, id, actor string) map[string]any {
	return map[string]any{
		"@context": context,
		"type":     typ,
		"id":       id,
		"actor":    actor,
	}
}

// Follow builds a Follow activity for the given target actor.
func Follow(id, actor, target string) map[string]any {
	act := New("Follow", id, actor)
	act["object"] = target
	act["to"] = []string{target}
	return act
}

// Accept builds an Accept addressed to the follower whose Follow it answers.
func Accept(id, actor string, follow map[string]any) map[string]any {
	act := New("Accept", id, actor)
	act["object"] = follow
	act["to"] = []string{asString(follow["actor"])}
	return act
}

// Reject builds a Reject addressed to the follower whose Follow it answers.
func Reject(id, actor string, follow map[string]any) map[string]any {
	act := New("Reject", id, actor)
	act["object"] = follow
	act["to"] = []string{asString(follow["actor"])}
	return act
}

// Like builds a Like of the given object.
func Like(id, actor, object string, to []string) map[string]any {
	act := New("Like", id, actor)
	act["object"] = object
	act["to"] = to
	return act
}

// Announce builds an Announce of the given object.
func Announce(id, actor, object string, to, cc []string) map[string]any {
	act := New("Announce", id, actor)
	act["object"] = object
	act["published"] = now()
	act["to"] = to
	act["cc"] = cc
	return act
}

// Undo builds an Undo wrapping the original activity document.
func Undo(id, actor string, object map[string]any, to []string) map[string]any {
	act := New("Undo", id, actor)
	act["object"] = object
	act["to"] = to
	return act
}

// Delete builds a Delete naming the removed object.
func Delete(id, actor, object string, to, cc []string) map[string]any {
	act := New("Delete", id, actor)
	act["object"] = map[string]any{"id": object, "type": "Tombstone"}
	act["to"] = to
	act["cc"] = cc
	return act
}

// Block builds a Block of the given actor.
func Block(id, actor, target string) map[string]any {
	act := New("Block", id, actor)
	act["object"] = target
	act["to"] = []string{target}
	return act
}

// Move announces that actor has moved to target. Followers are expected to
// refollow the target.
func Move(id, actor, target string, to []string) map[string]any {
	act := New("Move", id, actor)
	act["object"] = actor
	act["target"] = target
	act["to"] = to
	return act
}

// Create wraps an object document in a Create activity sharing its audience.
func Create(id, actor string, object map[string]any) map[string]any {
	act := New("Create", id, actor)
	act["object"] = object
	act["published"] = object["published"]
	act["to"] = object["to"]
	act["cc"] = object["cc"]
	return act
}

// Update wraps an object document in an Update activity sharing its audience.
func Update(id, actor string, object map[string]any) map[string]any {
	act := New("Update", id, actor)
	act["object"] = object
	act["published"] = now()
	act["to"] = object["to"]
	act["cc"] = object["cc"]
	return act
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
