package client

import (
	"sort"
	"sync"

	"github.com/trezcool/masomo-messaging/core/messaging"
)

// MessageStore holds the messages of a conversation, ordered by id.
// A message received twice (sent, then streamed or polled) is updated in place, never duplicated.
type MessageStore struct {
	mu           sync.RWMutex
	msgs         []messaging.Message
	index        map[int64]int
	participants []messaging.Participant
}

func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[int64]int)}
}

// Upsert adds or updates messages, and returns the ones it did not hold yet.
func (st *MessageStore) Upsert(msgs ...messaging.Message) []messaging.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	var added []messaging.Message
	unordered := false
	for _, m := range msgs {
		if i, ok := st.index[m.ID]; ok {
			if m.ReadStatus == nil {
				m.ReadStatus = st.msgs[i].ReadStatus
			}
			st.msgs[i] = m
			continue
		}
		if n := len(st.msgs); n > 0 && st.msgs[n-1].ID > m.ID {
			unordered = true
		}
		st.index[m.ID] = len(st.msgs)
		st.msgs = append(st.msgs, m)
		added = append(added, m)
	}

	if unordered {
		sort.Slice(st.msgs, func(i, j int) bool { return st.msgs[i].ID < st.msgs[j].ID })
		for i, m := range st.msgs {
			st.index[m.ID] = i
		}
	}
	return added
}

// ApplyReadStatuses updates the read status of the messages it holds, and returns how many it updated.
func (st *MessageStore) ApplyReadStatuses(statuses []messaging.ReadStatus) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, rs := range statuses {
		if i, ok := st.index[rs.MessageID]; ok {
			rs := rs
			st.msgs[i].ReadStatus = &rs
			n++
		}
	}
	return n
}

func (st *MessageStore) SetParticipants(ps []messaging.Participant) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.participants = append([]messaging.Participant(nil), ps...)
}

func (st *MessageStore) Participants() []messaging.Participant {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]messaging.Participant(nil), st.participants...)
}

// Messages returns a copy of the messages, ordered by id.
func (st *MessageStore) Messages() []messaging.Message {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]messaging.Message(nil), st.msgs...)
}

func (st *MessageStore) Get(id int64) (messaging.Message, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if i, ok := st.index[id]; ok {
		return st.msgs[i], true
	}
	return messaging.Message{}, false
}

func (st *MessageStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.msgs)
}

// LastID returns the highest message id held, 0 when empty.
func (st *MessageStore) LastID() int64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if n := len(st.msgs); n > 0 {
		return st.msgs[n-1].ID
	}
	return 0
}
