// Package audit resolves the user names recorded on projection rows.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinprecision/clinops/internal/services/study/storage"
)

// Unknown is recorded when an actor cannot be matched to a user.
const Unknown = "unknown"

// Resolver maps actor ids to user display names.
type Resolver struct {
	Users  storage.UserStore
	Logger zerolog.Logger
}

// Name returns the display name for actorID, or Unknown when the actor is
// empty, unmatched or the lookup fails. It never returns an error.
func (r Resolver) Name(ctx context.Context, actorID string) string {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" || r.Users == nil {
		return Unknown
	}
	name, err := r.Users.GetUserName(ctx, actorID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.Logger.Warn().Err(err).Str("actor_id", actorID).Msg("audit user lookup failed")
		}
		return Unknown
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Unknown
	}
	return name
}
