package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/queue"
	"github.com/trezcool/masomo-messaging/core/user"
)

const (
	TaskNotice   = "messaging:notice"
	TaskAnnounce = "messaging:announce"

	noticeQueue    = "notices"
	scheduleQueue  = "scheduled"
	excerptLen     = 280
	noticeTemplate = "message_notice"

	// QueueWeights lists the queues of the messaging tasks & their priority.
	QueueWeights = noticeQueue + "=3," + scheduleQueue + "=1"
)

// Notice is the email sent to the recipients of important messages & announcements.
type Notice struct {
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	Title          string     `json:"title"`
	SenderName     string     `json:"sender_name"`
	Excerpt        string     `json:"excerpt"`
	Importance     Importance `json:"importance"`
	IsAnnouncement bool       `json:"is_announcement"`
	Recipients     []user.Ref `json:"recipients"`
}

type noticeData struct {
	Notice
	RecipientName string
}

// queueNotice enqueues the email notice of msg. Best effort: message delivery never depends on it.
func (svc *Service) queueNotice(ctx context.Context, conv Conversation, msg Message, active []Participant) {
	if svc.queue == nil {
		return
	}

	n := Notice{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Title:          conv.Title,
		SenderName:     msg.SenderName,
		Excerpt:        core.Excerpt(msg.Body, excerptLen),
		Importance:     msg.Importance,
		IsAnnouncement: msg.IsAnnouncement,
	}
	for _, p := range active {
		if p.Ref() != msg.Sender() {
			n.Recipients = append(n.Recipients, p.Ref())
		}
	}
	if len(n.Recipients) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("encoding notice: %v", err), err)
		return
	}
	if _, err = svc.queue.Enqueue(ctx, queue.Task{Type: TaskNotice, Payload: payload}, queue.EnqueueOption{Queue: noticeQueue, MaxRetry: 5}); err != nil {
		svc.logger.Warn(fmt.Sprintf("enqueuing notice: %v", err), err)
	}
}

// RegisterTasks registers the background task handlers of the service.
func (svc *Service) RegisterTasks(srv queue.Server) {
	srv.Register(TaskNotice, svc.handleNotice)
	srv.Register(TaskAnnounce, svc.handleScheduledAnnouncement)
}

func (svc *Service) handleNotice(ctx context.Context, t queue.Task) error {
	var n Notice
	if err := json.Unmarshal(t.Payload, &n); err != nil {
		return errors.Wrap(err, "decoding notice")
	}
	if svc.mailer == nil {
		return nil
	}
	return svc.mailer.Deliver(ctx, n)
}

// NoticeMailer emails notices to the recipients who have an address in the directory.
type NoticeMailer struct {
	directory user.Directory
	mailSvc   core.EmailService
	logger    core.Logger
}

func NewNoticeMailer(directory user.Directory, mailSvc core.EmailService, logger core.Logger) *NoticeMailer {
	return &NoticeMailer{directory: directory, mailSvc: mailSvc, logger: logger}
}

func (m *NoticeMailer) Deliver(ctx context.Context, n Notice) error {
	subject := fmt.Sprintf("New %s message: %s", n.Importance, n.Title)
	if n.IsAnnouncement {
		subject = "Announcement: " + n.Title
	}

	msgs := make([]*core.EmailMessage, 0, len(n.Recipients))
	for _, ref := range n.Recipients {
		usr, err := m.directory.GetUser(ctx, ref)
		if err != nil {
			if errors.Cause(err) == core.ErrNotFound {
				continue
			}
			return errors.Wrap(err, "getting recipient")
		}
		if usr.Email == "" || !usr.IsActive {
			continue
		}
		msgs = append(msgs, &core.EmailMessage{
			To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
			Subject:      subject,
			TemplateName: noticeTemplate,
			TemplateData: noticeData{Notice: n, RecipientName: usr.Name},
		})
	}
	if len(msgs) > 0 {
		m.mailSvc.SendMessages(msgs...)
	}
	return nil
}
