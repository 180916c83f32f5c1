package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/server"
	"github.com/natterhq/natter/internal/types"
)

const maxDeviceIdLen = 64

type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type CreateChannelRequest struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility,omitempty"`
}

func (s *NatterApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *NatterApp) createWorkspace(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Error().Err(err).Msg("generateShortId")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newWorkspace, err := s.db.CreateWorkspace(r.Context(), database.CreateWorkspaceParams{
		Name:       req.Name,
		ExternalId: "ws_" + sid,
		CreatorId:  userId,
	})
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Workspace{
		ExternalId: newWorkspace.ExternalId,
		Name:       newWorkspace.Name,
		Role:       types.RoleAdmin,
		CreatedAt:  newWorkspace.CreatedAt,
		UpdatedAt:  newWorkspace.UpdatedAt,
	})
}

func (s *NatterApp) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rows, err := s.db.ListWorkspaces(r.Context(), userId)
	if err != nil {
		s.log.Error().Err(err).Msg("ListWorkspaces")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	workspaces := make([]types.Workspace, 0, len(rows))
	for _, row := range rows {
		workspaces = append(workspaces, types.Workspace{
			ExternalId: row.ExternalId,
			Name:       row.Name,
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, workspaces)
}

func (s *NatterApp) addWorkspaceMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	role := req.Role
	if role == "" {
		role = types.RoleMember
	}
	if role != types.RoleMember && role != types.RoleAdmin {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	workspace, err := s.db.GetWorkspaceByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isAdmin, err := s.db.IsWorkspaceAdmin(r.Context(), userId, workspace.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isAdmin {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountByEmail(r.Context(), req.Email)
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.AddWorkspaceMember(r.Context(), workspace.Id, account.Id, role); err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *NatterApp) createChannel(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = types.VisibilityPublic
	}
	if strings.TrimSpace(req.Name) == "" ||
		(visibility != types.VisibilityPublic && visibility != types.VisibilityPrivate) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	workspace, err := s.db.GetWorkspaceByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isMember, err := s.db.IsWorkspaceMember(r.Context(), userId, workspace.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Error().Err(err).Msg("generateShortId")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newChannel, err := s.db.CreateChannel(r.Context(), database.CreateChannelParams{
		WorkspaceId: workspace.Id,
		Name:        req.Name,
		ExternalId:  "ch_" + sid,
		Visibility:  visibility,
		CreatorId:   userId,
	})
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Channel{
		ExternalId: newChannel.ExternalId,
		Name:       newChannel.Name,
		Visibility: newChannel.Visibility,
		Archived:   newChannel.Archived,
		CreatedAt:  newChannel.CreatedAt,
		UpdatedAt:  newChannel.UpdatedAt,
	})
}

func (s *NatterApp) listChannels(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	workspace, err := s.db.GetWorkspaceByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isMember, err := s.db.IsWorkspaceMember(r.Context(), userId, workspace.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rows, err := s.db.ListChannels(r.Context(), workspace.Id, userId)
	if err != nil {
		s.log.Error().Err(err).Msg("ListChannels")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channels := make([]types.Channel, 0, len(rows))
	for _, row := range rows {
		channels = append(channels, types.Channel{
			ExternalId: row.ExternalId,
			Name:       row.Name,
			Visibility: row.Visibility,
			Archived:   row.Archived,
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, channels)
}

func (s *NatterApp) addChannelMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannelByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isAdmin, err := s.db.IsWorkspaceAdmin(r.Context(), userId, channel.WorkspaceId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isAdmin {
		isMember, err := s.db.IsChannelMember(r.Context(), userId, channel.Id)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		if !isMember {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	account, err := s.db.GetAccountByEmail(r.Context(), req.Email)
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// only workspace members can be pulled into a channel
	inWorkspace, err := s.db.IsWorkspaceMember(r.Context(), account.Id, channel.WorkspaceId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !inWorkspace {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.AddChannelMember(r.Context(), channel.Id, account.Id); err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *NatterApp) archiveChannel(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannelByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isAdmin, err := s.db.IsWorkspaceAdmin(r.Context(), userId, channel.WorkspaceId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isAdmin {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.ArchiveChannel(r.Context(), channel.Id); err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

// getMessages pages through a channel's history. Archived channels stay
// readable for members; writing is what archival blocks.
func (s *NatterApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.db.GetChannelByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isMember, err := s.db.IsWorkspaceMember(r.Context(), userId, channel.WorkspaceId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if channel.Visibility == types.VisibilityPrivate {
		inChannel, err := s.db.IsChannelMember(r.Context(), userId, channel.Id)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		if !inChannel {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	var before int64
	var limit int

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = strconv.ParseInt(beforeStr, 10, 64)
		if err != nil || before <= 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	var rows []database.Message
	if before > 0 {
		rows, err = s.db.ListMessagesBefore(r.Context(), channel.Id, before, limit)
	} else {
		rows, err = s.db.ListRecentMessages(r.Context(), channel.Id, limit)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("list messages")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// rows come back newest first; serve them in chronological order
	messages := make([]types.Message, len(rows))
	for i, row := range rows {
		msg := types.Message{
			Id:         row.Id,
			AuthorId:   row.AccountId,
			AuthorName: row.Username,
			ParentId:   row.ParentId,
			Content:    row.Content,
			CreatedAt:  row.CreatedAt,
			EditedAt:   row.EditedAt,
		}
		if len(row.Attachments) > 0 {
			_ = json.Unmarshal(row.Attachments, &msg.Attachments)
		}
		messages[len(rows)-1-i] = msg
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *NatterApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(r.Context(), id)
	if err != nil {
		errResp := dbError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	deviceId := r.URL.Query().Get("device_id")
	if len(deviceId) > maxDeviceIdLen {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if deviceId == "" {
		deviceId, err = gonanoid.New()
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, deviceId, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
