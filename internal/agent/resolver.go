package agent

import (
	"context"
	"log/slog"

	"hearthbot/internal/domain"
)

// TurnLookup finds a stored turn by the id the surface gave it.
type TurnLookup interface {
	GetTurnByExternalID(ctx context.Context, iface, conversationID, externalID string) (*domain.Turn, error)
}

// Resolver decides which thread and profile a new turn belongs to from the
// message it replies to. It never fails: anything it cannot resolve falls
// back to a fresh thread on the default profile.
type Resolver struct {
	turns    TurnLookup
	profiles domain.ProcessorLookup
	logger   *slog.Logger
}

func NewResolver(turns TurnLookup, profiles domain.ProcessorLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{turns: turns, profiles: profiles, logger: logger}
}

// Resolve returns the thread root (nil for a new thread) and the profile id.
func (r *Resolver) Resolve(ctx context.Context, iface, conversationID, replyToID string) (*int64, string) {
	def := r.profiles.DefaultProfile()
	if replyToID == "" {
		return nil, def
	}

	turn, err := r.turns.GetTurnByExternalID(ctx, iface, conversationID, replyToID)
	if err != nil {
		r.logger.Warn("reply lookup failed, starting new thread",
			"interface", iface,
			"conversation", conversationID,
			"reply_to", replyToID,
			"err", err,
		)
		return nil, def
	}
	if turn == nil {
		r.logger.Warn("replied-to message not found, starting new thread",
			"interface", iface,
			"conversation", conversationID,
			"reply_to", replyToID,
		)
		return nil, def
	}

	root := turn.ID
	if turn.ThreadRootID != nil {
		root = *turn.ThreadRootID
	}

	profile := turn.ProfileID
	if !r.IsLive(profile) {
		r.logger.Warn("stored profile no longer configured, using default",
			"profile", profile,
			"default", def,
			"turn_id", turn.ID,
		)
		profile = def
	}
	return &root, profile
}

// IsLive reports whether a processor exists for the profile.
func (r *Resolver) IsLive(profileID string) bool {
	if profileID == "" {
		return false
	}
	_, ok := r.profiles.Processor(profileID)
	return ok
}
