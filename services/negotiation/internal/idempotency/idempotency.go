package idempotency

import "context"

type ActorContext struct {
	RelationshipID string
	ActorID        string
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, relationshipID, actorID, idempotencyKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, relationshipID, actorID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

// Replay returns a previously recorded response for the same
// (relationship, actor, key, endpoint), if any. Callers without a key get
// no replay behavior.
func Replay(ctx context.Context, st Store, actor ActorContext, endpoint string) (int, map[string]any, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, actor.RelationshipID, actor.ActorID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, actor ActorContext, endpoint string, status int, response map[string]any) error {
	if actor.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.RelationshipID, actor.ActorID, actor.IdempotencyKey, endpoint, status, response)
}
