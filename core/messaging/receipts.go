package messaging

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
)

// newReadStatus aggregates the receipts of msg.
// Only active participants other than the sender count, as potential readers & as readers.
func newReadStatus(msg Message, active []Participant, receipts []ReadReceipt) *ReadStatus {
	eligible := make(map[user.Ref]struct{}, len(active))
	for _, p := range active {
		if p.Ref() != msg.Sender() {
			eligible[p.Ref()] = struct{}{}
		}
	}

	readers := make([]Reader, 0, len(receipts))
	for _, r := range receipts {
		if _, ok := eligible[r.Reader()]; ok {
			readers = append(readers, Reader{UserID: r.ReaderID, UserType: r.ReaderType, ReadAt: r.ReadAt})
		}
	}
	sort.Slice(readers, func(i, j int) bool { return readers[i].ReadAt.Before(readers[j].ReadAt) })

	return &ReadStatus{
		MessageID:               msg.ID,
		ReadByCount:             len(readers),
		TotalActiveParticipants: len(eligible),
		AllRead:                 len(readers) == len(eligible),
		Readers:                 readers,
	}
}

// messageFor loads a message of a conversation visible to the caller.
func messageFor(ctx context.Context, repo Repository, ref user.Ref, messageID int64) (Message, Participant, error) {
	msg, err := repo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, Participant{}, err
	}
	_, p, err := conversationFor(ctx, repo, ref, msg.ConversationID)
	if err != nil {
		if errors.Cause(err) == core.ErrNotFound {
			return Message{}, Participant{}, ErrMessageNotFound
		}
		return Message{}, Participant{}, err
	}
	return msg, p, nil
}

// aggregateOf loads the read status of msg.
func aggregateOf(ctx context.Context, repo Repository, msg Message) (*ReadStatus, error) {
	ps, err := repo.QueryParticipants(ctx, msg.ConversationID)
	if err != nil {
		return nil, errors.Wrap(err, "querying participants")
	}
	receipts, err := repo.QueryReceipts(ctx, msg.ID)
	if err != nil {
		return nil, errors.Wrap(err, "querying receipts")
	}
	return newReadStatus(msg, activeParticipants(ps), receipts), nil
}

// MarkRead records that reader read the message. It is idempotent,
// and a no-op for the sender of the message.
func (svc *Service) MarkRead(ctx context.Context, reader user.Identity, messageID int64) (OwnReadState, error) {
	var (
		state OwnReadState
		evt   *realtime.Event
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		msg, _, err := messageFor(ctx, repo, reader.Ref(), messageID)
		if err != nil {
			return err
		}
		state = OwnReadState{MessageID: msg.ID, IsRead: true}
		if msg.Sender() != reader.Ref() {
			now := svc.now()
			r := ReadReceipt{MessageID: msg.ID, ReaderID: reader.UserID, ReaderType: reader.UserType, ReadAt: now}
			inserted, err := repo.InsertReceipt(ctx, r)
			if err != nil {
				return errors.Wrap(err, "inserting receipt")
			}
			if inserted {
				if evt, err = svc.readStatusEvent(ctx, repo, msg); err != nil {
					return err
				}
			}
		}

		rs, err := aggregateOf(ctx, repo, msg)
		if err != nil {
			return err
		}
		state.setCounts(rs)
		for _, r := range rs.Readers {
			if r.UserID == reader.UserID && r.UserType == reader.UserType {
				readAt := r.ReadAt
				state.ReadAt = &readAt
			}
		}
		return nil
	})
	if err != nil {
		return OwnReadState{}, err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return state, nil
}

// MarkUnread removes the receipt of reader, if any.
func (svc *Service) MarkUnread(ctx context.Context, reader user.Identity, messageID int64) (OwnReadState, error) {
	var (
		state OwnReadState
		evt   *realtime.Event
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		msg, _, err := messageFor(ctx, repo, reader.Ref(), messageID)
		if err != nil {
			return err
		}
		state = OwnReadState{MessageID: msg.ID}
		deleted, err := repo.DeleteReceipt(ctx, msg.ID, reader.Ref())
		if err != nil {
			return errors.Wrap(err, "deleting receipt")
		}
		if deleted {
			if evt, err = svc.readStatusEvent(ctx, repo, msg); err != nil {
				return err
			}
		}

		rs, err := aggregateOf(ctx, repo, msg)
		if err != nil {
			return err
		}
		state.setCounts(rs)
		return nil
	})
	if err != nil {
		return OwnReadState{}, err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return state, nil
}

// MarkConversationRead marks every message of the conversation read by reader.
// It returns the number of newly read messages.
func (svc *Service) MarkConversationRead(ctx context.Context, reader user.Identity, convID int64) (int, error) {
	var (
		count int
		evt   *realtime.Event
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		if _, _, err := conversationFor(ctx, repo, reader.Ref(), convID); err != nil {
			return err
		}
		ids, err := repo.QueryUnreadMessageIDs(ctx, convID, reader.Ref())
		if err != nil {
			return errors.Wrap(err, "querying unread messages")
		}
		if len(ids) == 0 {
			return nil
		}

		now := svc.now()
		for _, id := range ids {
			inserted, err := repo.InsertReceipt(ctx, ReadReceipt{
				MessageID: id, ReaderID: reader.UserID, ReaderType: reader.UserType, ReadAt: now,
			})
			if err != nil {
				return errors.Wrap(err, "inserting receipt")
			}
			if inserted {
				count++
			}
		}

		evt, err = svc.changeEvent(ctx, repo, realtime.EventReadStatus, convID, nil)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err = repo.SetReadRevision(ctx, id, evt.Revision); err != nil {
				return errors.Wrap(err, "setting read revision")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return count, nil
}

// readStatusEvent bumps the conversation revision & stamps it on msg, so the change shows up in deltas.
func (svc *Service) readStatusEvent(ctx context.Context, repo Repository, msg Message) (*realtime.Event, error) {
	evt, err := svc.changeEvent(ctx, repo, realtime.EventReadStatus, msg.ConversationID, nil)
	if err != nil {
		return nil, err
	}
	if err = repo.SetReadRevision(ctx, msg.ID, evt.Revision); err != nil {
		return nil, errors.Wrap(err, "setting read revision")
	}
	return evt, nil
}

// GetReadStatus returns the read status of a message. Only its sender may see it:
// others get an AuthorizationError.
func (svc *Service) GetReadStatus(ctx context.Context, caller user.Identity, messageID int64) (ReadStatus, error) {
	msg, _, err := messageFor(ctx, svc.repo, caller.Ref(), messageID)
	if err != nil {
		return ReadStatus{}, err
	}
	if msg.Sender() != caller.Ref() {
		return ReadStatus{}, core.NewAuthorizationError(reasonReadStatusHidden)
	}

	ps, err := svc.repo.QueryParticipants(ctx, msg.ConversationID)
	if err != nil {
		return ReadStatus{}, errors.Wrap(err, "querying participants")
	}
	receipts, err := svc.repo.QueryReceipts(ctx, msg.ID)
	if err != nil {
		return ReadStatus{}, errors.Wrap(err, "querying receipts")
	}
	return *newReadStatus(msg, activeParticipants(ps), receipts), nil
}
