package activitypub

import "context"

// FetchActorFn returns a fetch function suitable for
// models.Actors.FindOrCreateByApID, bound to the given context.
func (e *Env) FetchActorFn(ctx context.Context) func(string) (map[string]any, error) {
	return func(apID string) (map[string]any, error) {
		return e.FetchObject(ctx, apID)
	}
}

// FetchObject retrieves a remote ActivityPub document with a signed GET.
func (e *Env) FetchObject(ctx context.Context, apID string) (map[string]any, error) {
	client, err := e.NewClient()
	if err != nil {
		return nil, err
	}
	var props map[string]any
	if err := client.Fetch(ctx, apID, &props); err != nil {
		return nil, err
	}
	return props, nil
}
