package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

// DB is an in-process store used in tests & in DEV when no database is configured.
// mu guards the messaging tables, so InTx can snapshot & restore them all.
// The users table has its own lock: services read the directory while a transaction is open.
type DB struct {
	mu sync.RWMutex

	usersMu sync.RWMutex
	users   map[user.Ref]user.User

	convSeq, msgSeq, attSeq int64
	conversations           map[int64]messaging.Conversation
	participants            map[int64][]messaging.Participant // by conversation, in join order
	messages                map[int64]messaging.Message
	convMessages            map[int64][]int64 // message ids by conversation, ascending
	receipts                map[int64]map[user.Ref]messaging.ReadReceipt
}

func NewDB() *DB {
	return &DB{
		users:         make(map[user.Ref]user.User),
		conversations: make(map[int64]messaging.Conversation),
		participants:  make(map[int64][]messaging.Participant),
		messages:      make(map[int64]messaging.Message),
		convMessages:  make(map[int64][]int64),
		receipts:      make(map[int64]map[user.Ref]messaging.ReadReceipt),
	}
}

type snapshot struct {
	convSeq, msgSeq, attSeq int64
	conversations           map[int64]messaging.Conversation
	participants            map[int64][]messaging.Participant
	messages                map[int64]messaging.Message
	convMessages            map[int64][]int64
	receipts                map[int64]map[user.Ref]messaging.ReadReceipt
}

// snapshot copies the messaging tables. The caller holds the write lock.
func (db *DB) snapshot() snapshot {
	s := snapshot{
		convSeq:       db.convSeq,
		msgSeq:        db.msgSeq,
		attSeq:        db.attSeq,
		conversations: make(map[int64]messaging.Conversation, len(db.conversations)),
		participants:  make(map[int64][]messaging.Participant, len(db.participants)),
		messages:      make(map[int64]messaging.Message, len(db.messages)),
		convMessages:  make(map[int64][]int64, len(db.convMessages)),
		receipts:      make(map[int64]map[user.Ref]messaging.ReadReceipt, len(db.receipts)),
	}
	for k, v := range db.conversations {
		s.conversations[k] = v
	}
	for k, v := range db.participants {
		s.participants[k] = append([]messaging.Participant(nil), v...)
	}
	for k, v := range db.messages {
		s.messages[k] = v
	}
	for k, v := range db.convMessages {
		s.convMessages[k] = append([]int64(nil), v...)
	}
	for k, v := range db.receipts {
		rs := make(map[user.Ref]messaging.ReadReceipt, len(v))
		for ref, r := range v {
			rs[ref] = r
		}
		s.receipts[k] = rs
	}
	return s
}

func (db *DB) restore(s snapshot) {
	db.convSeq, db.msgSeq, db.attSeq = s.convSeq, s.msgSeq, s.attSeq
	db.conversations = s.conversations
	db.participants = s.participants
	db.messages = s.messages
	db.convMessages = s.convMessages
	db.receipts = s.receipts
}
