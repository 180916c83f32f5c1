package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/types"
)

// DeniedError reports an authorization denial with the wire-level reason.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied: %s", e.Reason)
}

// Grant identifies the resources a successful authorization resolved.
// ChannelId is zero for workspace topics.
type Grant struct {
	WorkspaceId int
	ChannelId   int
}

// AuthorizationGate decides whether an account may join a topic.
type AuthorizationGate struct {
	db database.NatterRepository
}

func NewAuthorizationGate(db database.NatterRepository) *AuthorizationGate {
	return &AuthorizationGate{db: db}
}

// Authorize evaluates the join rules for a topic in order: the account
// must be a member of the enclosing workspace, archived channels admit
// only workspace admins, private channels additionally require channel
// membership, and public channels admit any workspace member. Unknown
// topics deny with not_found. Infrastructure failures are returned
// as-is, never as a DeniedError.
func (g *AuthorizationGate) Authorize(ctx context.Context, accountId int, topic TopicName) (Grant, error) {
	switch topic.Kind {
	case TopicKindWorkspace:
		ws, err := g.db.GetWorkspaceByExternalId(ctx, topic.Id)
		if errors.Is(err, database.ErrNotFound) {
			return Grant{}, &DeniedError{Reason: ReasonNotFound}
		}
		if err != nil {
			return Grant{}, err
		}

		member, err := g.db.IsWorkspaceMember(ctx, accountId, ws.Id)
		if err != nil {
			return Grant{}, err
		}
		if !member {
			return Grant{}, &DeniedError{Reason: ReasonUnauthorized}
		}

		return Grant{WorkspaceId: ws.Id}, nil
	case TopicKindChannel:
		ch, err := g.db.GetChannelByExternalId(ctx, topic.Id)
		if errors.Is(err, database.ErrNotFound) {
			return Grant{}, &DeniedError{Reason: ReasonNotFound}
		}
		if err != nil {
			return Grant{}, err
		}

		member, err := g.db.IsWorkspaceMember(ctx, accountId, ch.WorkspaceId)
		if err != nil {
			return Grant{}, err
		}
		if !member {
			return Grant{}, &DeniedError{Reason: ReasonUnauthorized}
		}

		if ch.Archived {
			admin, err := g.db.IsWorkspaceAdmin(ctx, accountId, ch.WorkspaceId)
			if err != nil {
				return Grant{}, err
			}
			if !admin {
				return Grant{}, &DeniedError{Reason: ReasonArchived}
			}
		}

		if ch.Visibility == types.VisibilityPrivate {
			chMember, err := g.db.IsChannelMember(ctx, accountId, ch.Id)
			if err != nil {
				return Grant{}, err
			}
			if !chMember {
				return Grant{}, &DeniedError{Reason: ReasonUnauthorized}
			}
		}

		return Grant{WorkspaceId: ch.WorkspaceId, ChannelId: ch.Id}, nil
	default:
		return Grant{}, &DeniedError{Reason: ReasonNotFound}
	}
}
