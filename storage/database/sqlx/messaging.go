package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type messagingRepository struct {
	db   *sqlx.DB // nil when bound to a transaction
	exec sqlx.ExtContext
}

var _ messaging.Repository = (*messagingRepository)(nil)

func NewMessagingRepository(db *sqlx.DB) *messagingRepository {
	return &messagingRepository{db: db, exec: db}
}

func (repo *messagingRepository) InTx(ctx context.Context, fn func(repo messaging.Repository) error) error {
	if repo.db == nil { // already in a transaction
		return fn(repo)
	}
	begin := func(ctx context.Context) (*sqlx.Tx, error) { return repo.db.BeginTxx(ctx, nil) }
	return core.WithinTx(ctx, begin, func(tx *sqlx.Tx) error {
		return fn(&messagingRepository{exec: tx})
	})
}

func (repo *messagingRepository) get(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	q, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	return sqlx.GetContext(ctx, repo.exec, dest, q, args...)
}

func (repo *messagingRepository) selectAll(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	q, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	return sqlx.SelectContext(ctx, repo.exec, dest, q, args...)
}

func (repo *messagingRepository) execute(ctx context.Context, b sq.Sqlizer) (int64, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "building query")
	}
	res, err := repo.exec.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func trapNoRows(err, notFound error) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return err
}

func (repo *messagingRepository) CreateConversation(ctx context.Context, conv messaging.Conversation) (messaging.Conversation, error) {
	b := psql.Insert("conversations").
		Columns("kind", "title", "creator_id", "creator_type", "created_at", "last_activity_at", "revision", "members_rev").
		Values(conv.Kind, conv.Title, conv.CreatorID, conv.CreatorType, conv.CreatedAt, conv.LastActivityAt, conv.Revision, conv.MembersRev).
		Suffix("RETURNING id")
	if err := repo.get(ctx, &conv.ID, b); err != nil {
		return messaging.Conversation{}, errors.Wrap(err, "inserting conversation")
	}
	return conv, nil
}

func (repo *messagingRepository) GetConversation(ctx context.Context, id int64) (messaging.Conversation, error) {
	var row conversationRow
	b := psql.Select(conversationColumns...).From("conversations c").Where(sq.Eq{"c.id": id})
	if err := repo.get(ctx, &row, b); err != nil {
		return messaging.Conversation{}, trapNoRows(err, messaging.ErrConversationNotFound)
	}
	return row.toConversation(), nil
}

func (repo *messagingRepository) LockConversation(ctx context.Context, id int64) error {
	var locked int64
	b := psql.Select("id").From("conversations").Where(sq.Eq{"id": id}).Suffix("FOR UPDATE")
	if err := repo.get(ctx, &locked, b); err != nil {
		return trapNoRows(err, messaging.ErrConversationNotFound)
	}
	return nil
}

func (repo *messagingRepository) BumpRevision(ctx context.Context, id int64, activityAt *time.Time, membersChanged bool) (int64, error) {
	// both SET clauses read the pre-update revision
	b := psql.Update("conversations").Set("revision", sq.Expr("revision + 1"))
	if activityAt != nil {
		b = b.Set("last_activity_at", *activityAt)
	}
	if membersChanged {
		b = b.Set("members_rev", sq.Expr("revision + 1"))
	}
	b = b.Where(sq.Eq{"id": id}).Suffix("RETURNING revision")

	var rev int64
	if err := repo.get(ctx, &rev, b); err != nil {
		return 0, trapNoRows(err, messaging.ErrConversationNotFound)
	}
	return rev, nil
}

const unreadCountSQL = `(SELECT COUNT(*) FROM messages m
	WHERE m.conversation_id = c.id
	AND NOT (m.sender_type = p.user_type AND m.sender_id = p.user_id)
	AND NOT EXISTS (
		SELECT 1 FROM read_receipts r
		WHERE r.message_id = m.id AND r.reader_type = p.user_type AND r.reader_id = p.user_id
	)) AS unread_count`

func (repo *messagingRepository) QueryConversations(ctx context.Context, filter messaging.ConversationFilter) ([]messaging.ConversationSummary, error) {
	b := psql.Select(conversationColumns...).
		Columns("p.role", "p.folder", unreadCountSQL).
		From("conversations c").
		Join("participants p ON p.conversation_id = c.id").
		Where(sq.Eq{"p.user_type": filter.Participant.Type, "p.user_id": filter.Participant.ID}).
		Where("p.purged_at IS NULL").
		OrderBy("c.last_activity_at DESC", "c.id DESC")
	if filter.Folder != "" {
		b = b.Where(sq.Eq{"p.folder": filter.Folder})
	}

	var rows []summaryRow
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	convs := make([]messaging.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, messaging.ConversationSummary{
			Conversation: row.toConversation(),
			Role:         messaging.Role(row.Role),
			Folder:       messaging.Folder(row.Folder),
			UnreadCount:  row.UnreadCount,
		})
	}
	return convs, nil
}

func (repo *messagingRepository) QueryReclaimableConversations(ctx context.Context) ([]int64, error) {
	b := psql.Select("c.id").From("conversations c").
		Where("EXISTS (SELECT 1 FROM participants p WHERE p.conversation_id = c.id)").
		Where(`NOT EXISTS (
			SELECT 1 FROM participants p
			WHERE p.conversation_id = c.id AND p.purged_at IS NULL AND p.left_at IS NULL
		)`).
		OrderBy("c.id")

	ids := make([]int64, 0)
	if err := repo.selectAll(ctx, &ids, b); err != nil {
		return nil, errors.Wrap(err, "querying reclaimable conversations")
	}
	return ids, nil
}

func (repo *messagingRepository) DeleteConversations(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	// participants, messages, attachments & receipts cascade
	if _, err := repo.execute(ctx, psql.Delete("conversations").Where(sq.Eq{"id": ids})); err != nil {
		return errors.Wrap(err, "deleting conversations")
	}
	return nil
}

func (repo *messagingRepository) UpsertParticipants(ctx context.Context, ps ...messaging.Participant) error {
	if len(ps) == 0 {
		return nil
	}
	b := psql.Insert("participants").Columns(participantColumns...)
	for _, p := range ps {
		b = b.Values(
			p.ConversationID, p.UserID, p.UserType, p.DisplayName, p.Role, p.Folder, p.JoinedAt,
			null.TimeFromPtr(p.LeftAt), null.TimeFromPtr(p.PurgedAt),
		)
	}
	b = b.Suffix(`ON CONFLICT (conversation_id, user_type, user_id) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		role = EXCLUDED.role,
		folder = EXCLUDED.folder,
		joined_at = EXCLUDED.joined_at,
		left_at = EXCLUDED.left_at,
		purged_at = EXCLUDED.purged_at`)

	if _, err := repo.execute(ctx, b); err != nil {
		return errors.Wrap(err, "upserting participants")
	}
	return nil
}

func (repo *messagingRepository) GetParticipant(ctx context.Context, convID int64, ref user.Ref) (messaging.Participant, error) {
	var row participantRow
	b := psql.Select(participantColumns...).From("participants").
		Where(sq.Eq{"conversation_id": convID, "user_type": ref.Type, "user_id": ref.ID})
	if err := repo.get(ctx, &row, b); err != nil {
		return messaging.Participant{}, trapNoRows(err, messaging.ErrParticipantNotFound)
	}
	return row.toParticipant(), nil
}

func (repo *messagingRepository) QueryParticipants(ctx context.Context, convID int64) ([]messaging.Participant, error) {
	var rows []participantRow
	b := psql.Select(participantColumns...).From("participants").
		Where(sq.Eq{"conversation_id": convID}).
		OrderBy("joined_at", "user_type", "user_id")
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, errors.Wrap(err, "querying participants")
	}
	ps := make([]messaging.Participant, 0, len(rows))
	for _, row := range rows {
		ps = append(ps, row.toParticipant())
	}
	return ps, nil
}

func (repo *messagingRepository) UpdateParticipant(ctx context.Context, p messaging.Participant) error {
	b := psql.Update("participants").
		SetMap(map[string]interface{}{
			"display_name": p.DisplayName,
			"role":         p.Role,
			"folder":       p.Folder,
			"left_at":      null.TimeFromPtr(p.LeftAt),
			"purged_at":    null.TimeFromPtr(p.PurgedAt),
		}).
		Where(sq.Eq{"conversation_id": p.ConversationID, "user_type": p.UserType, "user_id": p.UserID})

	n, err := repo.execute(ctx, b)
	if err != nil {
		return errors.Wrap(err, "updating participant")
	}
	if n == 0 {
		return messaging.ErrParticipantNotFound
	}
	return nil
}

func (repo *messagingRepository) CreateMessage(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	b := psql.Insert("messages").
		Columns(messageColumns[1:]...).
		Values(
			msg.ConversationID, msg.SenderID, msg.SenderType, msg.SenderName, msg.Body, msg.Importance,
			msg.IsAnnouncement, msg.RequiresAck, null.Int64FromPtr(msg.ParentMessageID), msg.CreatedAt, msg.ReadRevision,
		).
		Suffix("RETURNING id")
	if err := repo.get(ctx, &msg.ID, b); err != nil {
		return messaging.Message{}, errors.Wrap(err, "inserting message")
	}

	atts := make([]messaging.Attachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		att.MessageID = msg.ID
		ab := psql.Insert("attachments").
			Columns("message_id", "filename", "size", "content_type", "storage_key").
			Values(att.MessageID, att.Filename, att.Size, nullString(att.ContentType), att.StorageKey).
			Suffix("RETURNING id")
		if err := repo.get(ctx, &att.ID, ab); err != nil {
			return messaging.Message{}, errors.Wrap(err, "inserting attachment")
		}
		atts = append(atts, att)
	}
	msg.Attachments = atts
	return msg, nil
}

func (repo *messagingRepository) GetMessage(ctx context.Context, id int64) (messaging.Message, error) {
	var row messageRow
	if err := repo.get(ctx, &row, psql.Select(messageColumns...).From("messages").Where(sq.Eq{"id": id})); err != nil {
		return messaging.Message{}, trapNoRows(err, messaging.ErrMessageNotFound)
	}
	msgs, err := repo.withAttachments(ctx, []messageRow{row})
	if err != nil {
		return messaging.Message{}, err
	}
	return msgs[0], nil
}

func (repo *messagingRepository) QueryMessages(ctx context.Context, filter messaging.MessageFilter) ([]messaging.Message, error) {
	b := psql.Select(messageColumns...).From("messages").
		Where(sq.Eq{"conversation_id": filter.ConversationID}).
		OrderBy("id")
	if filter.AfterID > 0 {
		b = b.Where(sq.Gt{"id": filter.AfterID})
	}
	if filter.Sender != nil {
		b = b.Where(sq.Eq{"sender_type": filter.Sender.Type, "sender_id": filter.Sender.ID})
	}
	if filter.ReadRevAfter > 0 {
		b = b.Where(sq.Gt{"read_revision": filter.ReadRevAfter})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}

	var rows []messageRow
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	return repo.withAttachments(ctx, rows)
}

func (repo *messagingRepository) withAttachments(ctx context.Context, rows []messageRow) ([]messaging.Message, error) {
	msgs := make([]messaging.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	var atts []attachmentRow
	b := psql.Select("id", "message_id", "filename", "size", "content_type", "storage_key").
		From("attachments").
		Where(sq.Eq{"message_id": ids}).
		OrderBy("id")
	if err := repo.selectAll(ctx, &atts, b); err != nil {
		return nil, errors.Wrap(err, "querying attachments")
	}
	byMsg := make(map[int64][]messaging.Attachment)
	for _, att := range atts {
		byMsg[att.MessageID] = append(byMsg[att.MessageID], att.toAttachment())
	}

	for _, row := range rows {
		msg := row.toMessage()
		if found := byMsg[msg.ID]; found != nil {
			msg.Attachments = found
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (repo *messagingRepository) SetReadRevision(ctx context.Context, messageID, revision int64) error {
	n, err := repo.execute(ctx, psql.Update("messages").Set("read_revision", revision).Where(sq.Eq{"id": messageID}))
	if err != nil {
		return errors.Wrap(err, "updating read revision")
	}
	if n == 0 {
		return messaging.ErrMessageNotFound
	}
	return nil
}

func (repo *messagingRepository) InsertReceipt(ctx context.Context, r messaging.ReadReceipt) (bool, error) {
	b := psql.Insert("read_receipts").
		Columns("message_id", "reader_id", "reader_type", "read_at").
		Values(r.MessageID, r.ReaderID, r.ReaderType, r.ReadAt).
		Suffix("ON CONFLICT (message_id, reader_type, reader_id) DO NOTHING")
	n, err := repo.execute(ctx, b)
	if err != nil {
		return false, errors.Wrap(err, "inserting receipt")
	}
	return n == 1, nil
}

func (repo *messagingRepository) DeleteReceipt(ctx context.Context, messageID int64, reader user.Ref) (bool, error) {
	b := psql.Delete("read_receipts").
		Where(sq.Eq{"message_id": messageID, "reader_type": reader.Type, "reader_id": reader.ID})
	n, err := repo.execute(ctx, b)
	if err != nil {
		return false, errors.Wrap(err, "deleting receipt")
	}
	return n > 0, nil
}

func (repo *messagingRepository) QueryReceipts(ctx context.Context, messageIDs ...int64) ([]messaging.ReadReceipt, error) {
	receipts := make([]messaging.ReadReceipt, 0)
	if len(messageIDs) == 0 {
		return receipts, nil
	}

	var rows []receiptRow
	b := psql.Select("message_id", "reader_id", "reader_type", "read_at").
		From("read_receipts").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("read_at", "reader_type", "reader_id")
	if err := repo.selectAll(ctx, &rows, b); err != nil {
		return nil, errors.Wrap(err, "querying receipts")
	}
	for _, row := range rows {
		receipts = append(receipts, row.toReceipt())
	}
	return receipts, nil
}

func (repo *messagingRepository) QueryUnreadMessageIDs(ctx context.Context, convID int64, reader user.Ref) ([]int64, error) {
	b := psql.Select("m.id").From("messages m").
		Where(sq.Eq{"m.conversation_id": convID}).
		Where("NOT (m.sender_type = ? AND m.sender_id = ?)", reader.Type, reader.ID).
		Where(`NOT EXISTS (
			SELECT 1 FROM read_receipts r
			WHERE r.message_id = m.id AND r.reader_type = ? AND r.reader_id = ?
		)`, reader.Type, reader.ID).
		OrderBy("m.id")

	ids := make([]int64, 0)
	if err := repo.selectAll(ctx, &ids, b); err != nil {
		return nil, errors.Wrap(err, "querying unread messages")
	}
	return ids, nil
}
