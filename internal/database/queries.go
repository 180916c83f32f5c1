package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// translateErr maps driver-level failures onto the package sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}

	return err
}

func (db *PgNatterRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, translateErr(err)
}

func (db *PgNatterRepository) GetAccountById(ctx context.Context, accountId int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateErr(err)
}

func (db *PgNatterRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateErr(err)
}

func (db *PgNatterRepository) CreateWorkspace(ctx context.Context, params CreateWorkspaceParams) (Workspace, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Workspace{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRowContext(ctx,
		"INSERT INTO workspaces (external_id, name, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, external_id, name, created_at, updated_at",
		params.ExternalId,
		params.Name,
		time.Now().UTC(),
	)

	var ws Workspace
	err = res.Scan(
		&ws.Id,
		&ws.ExternalId,
		&ws.Name,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return Workspace{}, translateErr(err)
	}

	// the creator becomes the first admin
	_, err = tx.ExecContext(ctx,
		"INSERT INTO workspace_members (workspace_id, account_id, role, created_at) VALUES ($1, $2, $3, $4)",
		ws.Id,
		params.CreatorId,
		"admin",
		time.Now().UTC(),
	)
	if err != nil {
		return Workspace{}, translateErr(err)
	}

	if err = tx.Commit(); err != nil {
		return Workspace{}, err
	}

	return ws, nil
}

func (db *PgNatterRepository) GetWorkspaceByExternalId(ctx context.Context, externalId string) (Workspace, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, external_id, name, created_at, updated_at FROM workspaces "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var ws Workspace
	err := row.Scan(
		&ws.Id,
		&ws.ExternalId,
		&ws.Name,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)

	return ws, translateErr(err)
}

func (db *PgNatterRepository) ListWorkspaces(ctx context.Context, accountId int) ([]Workspace, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT w.id, w.external_id, w.name, w.created_at, w.updated_at "+
			"FROM workspace_members m JOIN workspaces w ON w.id = m.workspace_id "+
			"WHERE m.account_id = $1 ORDER BY w.name",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		var ws Workspace
		if err = rows.Scan(&ws.Id, &ws.ExternalId, &ws.Name, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}

		workspaces = append(workspaces, ws)
	}

	return workspaces, rows.Err()
}

func (db *PgNatterRepository) AddWorkspaceMember(ctx context.Context, workspaceId, accountId int, role string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO workspace_members (workspace_id, account_id, role, created_at) VALUES ($1, $2, $3, $4)",
		workspaceId,
		accountId,
		role,
		time.Now().UTC(),
	)

	return translateErr(err)
}

func (db *PgNatterRepository) IsWorkspaceMember(ctx context.Context, accountId, workspaceId int) (bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM workspace_members WHERE account_id = $1 AND workspace_id = $2)",
		accountId,
		workspaceId,
	)

	var exists bool
	err := row.Scan(&exists)

	return exists, err
}

func (db *PgNatterRepository) IsWorkspaceAdmin(ctx context.Context, accountId, workspaceId int) (bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM workspace_members WHERE account_id = $1 AND workspace_id = $2 AND role = 'admin')",
		accountId,
		workspaceId,
	)

	var exists bool
	err := row.Scan(&exists)

	return exists, err
}

func (db *PgNatterRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (Channel, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Channel{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRowContext(ctx,
		"INSERT INTO channels (external_id, workspace_id, name, visibility, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"RETURNING id, external_id, workspace_id, name, visibility, archived, created_at, updated_at",
		params.ExternalId,
		params.WorkspaceId,
		params.Name,
		params.Visibility,
		time.Now().UTC(),
	)

	var ch Channel
	err = res.Scan(
		&ch.Id,
		&ch.ExternalId,
		&ch.WorkspaceId,
		&ch.Name,
		&ch.Visibility,
		&ch.Archived,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return Channel{}, translateErr(err)
	}

	// the creator is always a channel member, which matters for private channels
	_, err = tx.ExecContext(ctx,
		"INSERT INTO channel_members (channel_id, account_id, created_at) VALUES ($1, $2, $3)",
		ch.Id,
		params.CreatorId,
		time.Now().UTC(),
	)
	if err != nil {
		return Channel{}, translateErr(err)
	}

	if err = tx.Commit(); err != nil {
		return Channel{}, err
	}

	return ch, nil
}

func (db *PgNatterRepository) GetChannelByExternalId(ctx context.Context, externalId string) (Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, external_id, workspace_id, name, visibility, archived, created_at, updated_at FROM channels "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var ch Channel
	err := row.Scan(
		&ch.Id,
		&ch.ExternalId,
		&ch.WorkspaceId,
		&ch.Name,
		&ch.Visibility,
		&ch.Archived,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)

	return ch, translateErr(err)
}

func (db *PgNatterRepository) ListChannels(ctx context.Context, workspaceId, accountId int) ([]Channel, error) {
	// public channels plus private channels the account belongs to
	rows, err := db.conn.QueryContext(ctx,
		"SELECT c.id, c.external_id, c.workspace_id, c.name, c.visibility, c.archived, c.created_at, c.updated_at "+
			"FROM channels c WHERE c.workspace_id = $1 AND (c.visibility = 'public' OR EXISTS "+
			"(SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.account_id = $2)) "+
			"ORDER BY c.name",
		workspaceId,
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var ch Channel
		if err = rows.Scan(&ch.Id, &ch.ExternalId, &ch.WorkspaceId, &ch.Name, &ch.Visibility, &ch.Archived, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, err
		}

		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

func (db *PgNatterRepository) AddChannelMember(ctx context.Context, channelId, accountId int) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO channel_members (channel_id, account_id, created_at) VALUES ($1, $2, $3)",
		channelId,
		accountId,
		time.Now().UTC(),
	)

	return translateErr(err)
}

func (db *PgNatterRepository) IsChannelMember(ctx context.Context, accountId, channelId int) (bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM channel_members WHERE account_id = $1 AND channel_id = $2)",
		accountId,
		channelId,
	)

	var exists bool
	err := row.Scan(&exists)

	return exists, err
}

func (db *PgNatterRepository) ArchiveChannel(ctx context.Context, channelId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE channels SET archived = TRUE, updated_at = $2 WHERE id = $1",
		channelId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgNatterRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	if params.ParentId != nil {
		// thread replies must reference a live message in the same channel
		var exists bool
		err := db.conn.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2 AND deleted_at IS NULL)",
			*params.ParentId,
			params.ChannelId,
		).Scan(&exists)
		if err != nil {
			return Message{}, err
		}
		if !exists {
			return Message{}, fmt.Errorf("parent message %d: %w", *params.ParentId, ErrNotFound)
		}
	}

	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (channel_id, account_id, parent_id, content, attachments, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) "+
			"RETURNING id, channel_id, account_id, parent_id, content, attachments, created_at",
		params.ChannelId,
		params.AccountId,
		params.ParentId,
		params.Content,
		params.Attachments,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.AccountId,
		&msg.ParentId,
		&msg.Content,
		&msg.Attachments,
		&msg.CreatedAt,
	)

	return msg, translateErr(err)
}

func (db *PgNatterRepository) UpdateMessage(ctx context.Context, params UpdateMessageParams) (Message, error) {
	res := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $4, edited_at = $5 "+
			"WHERE id = $1 AND channel_id = $2 AND account_id = $3 AND deleted_at IS NULL "+
			"RETURNING id, channel_id, account_id, parent_id, content, attachments, created_at, edited_at",
		params.MessageId,
		params.ChannelId,
		params.AccountId,
		params.Content,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.AccountId,
		&msg.ParentId,
		&msg.Content,
		&msg.Attachments,
		&msg.CreatedAt,
		&msg.EditedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, db.messageWriteDenied(ctx, params.ChannelId, params.MessageId)
	}

	return msg, err
}

func (db *PgNatterRepository) DeleteMessage(ctx context.Context, channelId int, messageId int64, accountId int) (Message, error) {
	res := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET deleted_at = $4 "+
			"WHERE id = $1 AND channel_id = $2 AND account_id = $3 AND deleted_at IS NULL "+
			"RETURNING id, channel_id, account_id, parent_id, content, attachments, created_at, edited_at",
		messageId,
		channelId,
		accountId,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.AccountId,
		&msg.ParentId,
		&msg.Content,
		&msg.Attachments,
		&msg.CreatedAt,
		&msg.EditedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, db.messageWriteDenied(ctx, channelId, messageId)
	}

	return msg, err
}

// messageWriteDenied reports why an author-scoped message write matched no
// rows: ErrForbidden when the message exists but belongs to someone else,
// ErrNotFound otherwise.
func (db *PgNatterRepository) messageWriteDenied(ctx context.Context, channelId int, messageId int64) error {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2 AND deleted_at IS NULL)",
		messageId,
		channelId,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		return ErrForbidden
	}
	return ErrNotFound
}

func (db *PgNatterRepository) AddReaction(ctx context.Context, channelId int, messageId int64, accountId int, emoji string) (Reaction, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2 AND deleted_at IS NULL)",
		messageId,
		channelId,
	).Scan(&exists)
	if err != nil {
		return Reaction{}, err
	}
	if !exists {
		return Reaction{}, fmt.Errorf("message %d: %w", messageId, ErrNotFound)
	}

	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO reactions (message_id, account_id, emoji, created_at) VALUES ($1, $2, $3, $4) "+
			"RETURNING message_id, account_id, emoji, created_at",
		messageId,
		accountId,
		emoji,
		time.Now().UTC(),
	)

	var reaction Reaction
	err = res.Scan(
		&reaction.MessageId,
		&reaction.AccountId,
		&reaction.Emoji,
		&reaction.CreatedAt,
	)

	return reaction, translateErr(err)
}

func (db *PgNatterRepository) RemoveReaction(ctx context.Context, channelId int, messageId int64, accountId int, emoji string) (Reaction, error) {
	res := db.conn.QueryRowContext(ctx,
		"DELETE FROM reactions r USING messages m "+
			"WHERE r.message_id = m.id AND r.message_id = $1 AND m.channel_id = $2 AND r.account_id = $3 AND r.emoji = $4 "+
			"RETURNING r.message_id, r.account_id, r.emoji, r.created_at",
		messageId,
		channelId,
		accountId,
		emoji,
	)

	var reaction Reaction
	err := res.Scan(
		&reaction.MessageId,
		&reaction.AccountId,
		&reaction.Emoji,
		&reaction.CreatedAt,
	)

	return reaction, translateErr(err)
}

func (db *PgNatterRepository) ListRecentMessages(ctx context.Context, channelId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.channel_id, m.account_id, a.username, m.parent_id, m.content, m.attachments, m.created_at, m.edited_at "+
			"FROM messages m JOIN accounts a ON m.account_id = a.id "+
			"WHERE m.channel_id = $1 AND m.deleted_at IS NULL ORDER BY m.id DESC LIMIT $2",
		channelId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

func (db *PgNatterRepository) ListMessagesBefore(ctx context.Context, channelId int, beforeId int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.channel_id, m.account_id, a.username, m.parent_id, m.content, m.attachments, m.created_at, m.edited_at "+
			"FROM messages m JOIN accounts a ON m.account_id = a.id "+
			"WHERE m.channel_id = $1 AND m.id < $2 AND m.deleted_at IS NULL ORDER BY m.id DESC LIMIT $3",
		channelId,
		beforeId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

func scanMessages(rows *sql.Rows, limit int) ([]Message, error) {
	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.Id,
			&msg.ChannelId,
			&msg.AccountId,
			&msg.Username,
			&msg.ParentId,
			&msg.Content,
			&msg.Attachments,
			&msg.CreatedAt,
			&msg.EditedAt,
		)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgNatterRepository) UpsertChannelRead(ctx context.Context, channelId, accountId int, messageId int64) error {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2 AND deleted_at IS NULL)",
		messageId,
		channelId,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("message %d: %w", messageId, ErrNotFound)
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO channel_reads (channel_id, account_id, last_read_message_id, updated_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (channel_id, account_id) DO UPDATE SET "+
			"last_read_message_id = GREATEST(channel_reads.last_read_message_id, EXCLUDED.last_read_message_id), "+
			"updated_at = EXCLUDED.updated_at",
		channelId,
		accountId,
		messageId,
		time.Now().UTC(),
	)

	return err
}
