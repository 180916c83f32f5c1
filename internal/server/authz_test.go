package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/types"
)

func assertDenied(t *testing.T, err error, reason string) {
	t.Helper()

	var denied *DeniedError
	require.ErrorAs(t, err, &denied, "expected a denial, got %v", err)
	assert.Equal(t, reason, denied.Reason, "expected denial reason %q", reason)
}

func TestAuthorize_workspaceTopic(t *testing.T) {
	topic := TopicName{Kind: TopicKindWorkspace, Id: "ws_1x9sd7"}

	t.Run("member is granted", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetWorkspaceByExternalId", mock.Anything, "ws_1x9sd7").Return(database.Workspace{Id: 7}, nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(true, nil)

		grant, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		require.NoError(t, err, "expected member to be granted")
		assert.Equal(t, Grant{WorkspaceId: 7}, grant, "expected workspace grant without channel")
	})

	t.Run("unknown workspace denies not_found", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetWorkspaceByExternalId", mock.Anything, "ws_1x9sd7").Return(database.Workspace{}, database.ErrNotFound)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		assertDenied(t, err, ReasonNotFound)
	})

	t.Run("non-member denies unauthorized", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetWorkspaceByExternalId", mock.Anything, "ws_1x9sd7").Return(database.Workspace{Id: 7}, nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(false, nil)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		assertDenied(t, err, ReasonUnauthorized)
	})

	t.Run("store failure is not a denial", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		boom := errors.New("connection refused")
		db.On("GetWorkspaceByExternalId", mock.Anything, "ws_1x9sd7").Return(database.Workspace{}, boom)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		require.Error(t, err, "expected an error")
		var denied *DeniedError
		assert.False(t, errors.As(err, &denied), "expected infrastructure error, not a denial")
		assert.ErrorIs(t, err, boom, "expected the store error to surface unchanged")
	})
}

func TestAuthorize_channelTopic(t *testing.T) {
	topic := TopicName{Kind: TopicKindChannel, Id: "ch_8f2kq1"}

	channel := func(visibility string, archived bool) database.Channel {
		return database.Channel{Id: 12, WorkspaceId: 7, Visibility: visibility, Archived: archived}
	}

	t.Run("workspace member joins public channel", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(channel(types.VisibilityPublic, false), nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(true, nil)

		grant, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		require.NoError(t, err, "expected public channel join to be granted")
		assert.Equal(t, Grant{WorkspaceId: 7, ChannelId: 12}, grant, "expected channel grant")
	})

	t.Run("unknown channel denies not_found", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(database.Channel{}, database.ErrNotFound)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		assertDenied(t, err, ReasonNotFound)
	})

	t.Run("non-workspace-member denies before channel rules", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(channel(types.VisibilityPrivate, true), nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(false, nil)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		assertDenied(t, err, ReasonUnauthorized)
		db.AssertNotCalled(t, "IsWorkspaceAdmin", mock.Anything, 1, 7)
	})

	t.Run("archived channel admits only admins", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(channel(types.VisibilityPublic, true), nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(true, nil)
		db.On("IsWorkspaceAdmin", mock.Anything, 1, 7).Return(false, nil)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		assertDenied(t, err, ReasonArchived)
	})

	t.Run("admin joins archived channel", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(channel(types.VisibilityPublic, true), nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(true, nil)
		db.On("IsWorkspaceAdmin", mock.Anything, 1, 7).Return(true, nil)

		grant, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		require.NoError(t, err, "expected admin to be granted")
		assert.Equal(t, Grant{WorkspaceId: 7, ChannelId: 12}, grant, "expected channel grant")
	})

	t.Run("private channel requires channel membership", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(channel(types.VisibilityPrivate, false), nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(true, nil)
		db.On("IsChannelMember", mock.Anything, 1, 12).Return(false, nil)

		_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		assertDenied(t, err, ReasonUnauthorized)
	})

	t.Run("private channel member is granted", func(t *testing.T) {
		db := &database.MockNatterRepository{}
		defer db.AssertExpectations(t)

		db.On("GetChannelByExternalId", mock.Anything, "ch_8f2kq1").Return(channel(types.VisibilityPrivate, false), nil)
		db.On("IsWorkspaceMember", mock.Anything, 1, 7).Return(true, nil)
		db.On("IsChannelMember", mock.Anything, 1, 12).Return(true, nil)

		grant, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, topic)
		require.NoError(t, err, "expected private channel member to be granted")
		assert.Equal(t, Grant{WorkspaceId: 7, ChannelId: 12}, grant, "expected channel grant")
	})
}

func TestAuthorize_unknownKind(t *testing.T) {
	db := &database.MockNatterRepository{}
	defer db.AssertExpectations(t)

	_, err := NewAuthorizationGate(db).Authorize(context.Background(), 1, TopicName{Kind: "dm", Id: "x"})
	assertDenied(t, err, ReasonNotFound)
}
