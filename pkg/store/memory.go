package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	minMessageLimit = 1
	maxMessageLimit = 500
)

// Memory is the in-process Store implementation. All state lives behind
// one RWMutex; operations are short and never block on I/O, so a single
// lock is simpler than per-entity locking and gives the same observable
// behavior.
type Memory struct {
	mu         sync.RWMutex
	accounts   map[string]*accountRec
	byUsername map[string]string
	byEmail    map[string]string
	chats      map[string]*chatRec
	messages   map[string][]Message
	byMsgID    map[string]Message
	seq        int64
	lastMillis int64
}

type accountRec struct {
	acct Account
	seq  int64
}

type memberRec struct {
	userID string
	role   string
	seq    int64
}

type chatRec struct {
	id          string
	typ         string
	title       string
	description string
	members     []memberRec
	seq         int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[string]*accountRec),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		chats:      make(map[string]*chatRec),
		messages:   make(map[string][]Message),
		byMsgID:    make(map[string]Message),
	}
}

// nextSeq must be called with mu held.
func (m *Memory) nextSeq() int64 {
	m.seq++
	return m.seq
}

// nowMillis returns a unix-millisecond timestamp that never decreases,
// even when the wall clock stalls within a millisecond. Must be called
// with mu held.
func (m *Memory) nowMillis() int64 {
	now := time.Now().UnixMilli()
	if now < m.lastMillis {
		now = m.lastMillis
	}
	m.lastMillis = now
	return now
}

// CreateAccount persists a new account, enforcing username and email
// uniqueness.
func (m *Memory) CreateAccount(_ context.Context, acct Account) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byUsername[acct.Username]; taken {
		return User{}, ErrConflict
	}
	if _, taken := m.byEmail[acct.Email]; taken {
		return User{}, ErrConflict
	}

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	rec := &accountRec{acct: acct, seq: m.nextSeq()}
	m.accounts[acct.ID] = rec
	m.byUsername[acct.Username] = acct.ID
	m.byEmail[acct.Email] = acct.ID
	return acct.User, nil
}

// AccountByLogin resolves a username or email to the stored account.
func (m *Memory) AccountByLogin(_ context.Context, usernameOrEmail string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[usernameOrEmail]
	if !ok {
		id, ok = m.byEmail[strings.ToLower(usernameOrEmail)]
	}
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.accounts[id].acct, nil
}

// UserByID returns the public profile for an id.
func (m *Memory) UserByID(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.accounts[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return rec.acct.User, nil
}

// ListUsers returns all profiles, most recently created first.
func (m *Memory) ListUsers(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]*accountRec, 0, len(m.accounts))
	for _, rec := range m.accounts {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	users := make([]User, len(recs))
	for i, rec := range recs {
		users[i] = rec.acct.User
	}
	return users, nil
}

// UpdateUserStatus persists a presence status.
func (m *Memory) UpdateUserStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	rec.acct.Status = status
	return nil
}

// ListChatsForUser returns the user's chats newest first. Direct chat
// titles are computed as the other member's display name.
func (m *Memory) ListChatsForUser(_ context.Context, userID string) ([]Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*chatRec
	for _, rec := range m.chats {
		if rec.memberIndex(userID) >= 0 {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	chats := make([]Chat, 0, len(recs))
	for _, rec := range recs {
		chat := m.buildChat(rec)
		if rec.typ == ChatDirect {
			for _, mem := range rec.members {
				if mem.userID == userID {
					continue
				}
				if other, ok := m.accounts[mem.userID]; ok {
					chat.Title = other.acct.DisplayName
				}
				break
			}
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// MembersForChat returns a chat's members in join order.
func (m *Memory) MembersForChat(_ context.Context, chatID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.buildMembers(rec), nil
}

// ListMessages returns the newest min(max(limit,1),500) messages for a
// chat, reordered ascending by creation time.
func (m *Memory) ListMessages(_ context.Context, chatID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.chats[chatID]; !ok {
		return nil, ErrNotFound
	}
	if limit < minMessageLimit {
		limit = minMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	msgs := m.messages[chatID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// CreateDirectChat creates or returns the two-member chat for the pair.
func (m *Memory) CreateDirectChat(_ context.Context, fromID, toID string) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(toID) == "" || fromID == toID {
		return Chat{}, Validation("invalid target user")
	}
	target, ok := m.accounts[toID]
	if !ok {
		return Chat{}, Validation("target user does not exist")
	}

	for _, rec := range m.chats {
		if rec.typ == ChatDirect && rec.memberIndex(fromID) >= 0 && rec.memberIndex(toID) >= 0 {
			return m.buildChat(rec), nil
		}
	}

	rec := &chatRec{
		id:    uuid.NewString(),
		typ:   ChatDirect,
		title: target.acct.DisplayName,
		seq:   m.nextSeq(),
	}
	rec.members = append(rec.members,
		memberRec{userID: fromID, role: RoleMember, seq: m.nextSeq()},
		memberRec{userID: toID, role: RoleMember, seq: m.nextSeq()},
	)
	m.chats[rec.id] = rec
	return m.buildChat(rec), nil
}

// CreateGroup creates a group chat owned by ownerID.
func (m *Memory) CreateGroup(_ context.Context, ownerID, title, description string, memberIDs []string) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	title = strings.TrimSpace(title)
	if title == "" {
		return Chat{}, Validation("group title is required")
	}

	rec := &chatRec{
		id:          uuid.NewString(),
		typ:         ChatGroup,
		title:       title,
		description: description,
		seq:         m.nextSeq(),
	}
	rec.members = append(rec.members, memberRec{userID: ownerID, role: RoleOwner, seq: m.nextSeq()})
	for _, id := range memberIDs {
		m.addMember(rec, id)
	}
	m.chats[rec.id] = rec
	return m.buildChat(rec), nil
}

// InviteToGroup idempotently adds members and returns the refreshed chat.
func (m *Memory) InviteToGroup(_ context.Context, chatID string, userIDs []string) (Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	for _, id := range userIDs {
		m.addMember(rec, id)
	}
	return m.buildChat(rec), nil
}

// addMember appends a member unless the id is blank, unknown, or already
// present. Must be called with mu held.
func (m *Memory) addMember(rec *chatRec, userID string) {
	if strings.TrimSpace(userID) == "" {
		return
	}
	if _, known := m.accounts[userID]; !known {
		return
	}
	if rec.memberIndex(userID) >= 0 {
		return
	}
	rec.members = append(rec.members, memberRec{userID: userID, role: RoleMember, seq: m.nextSeq()})
}

// CreateMessage persists a message with a generated id and a monotonic
// millisecond timestamp.
func (m *Memory) CreateMessage(_ context.Context, chatID, senderID, kind, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[chatID]; !ok {
		return Message{}, ErrNotFound
	}
	msg := Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Kind:      kind,
		Content:   content,
		CreatedAt: m.nowMillis(),
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	m.byMsgID[msg.ID] = msg
	return msg, nil
}

// ChatByID returns a chat with members and last message attached.
func (m *Memory) ChatByID(_ context.Context, id string) (Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.chats[id]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return m.buildChat(rec), nil
}

// MessageByID returns a single message.
func (m *Memory) MessageByID(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byMsgID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (r *chatRec) memberIndex(userID string) int {
	for i, mem := range r.members {
		if mem.userID == userID {
			return i
		}
	}
	return -1
}

// buildChat assembles the wire shape for a chat. Must be called with mu
// held (read or write).
func (m *Memory) buildChat(rec *chatRec) Chat {
	chat := Chat{
		ID:          rec.id,
		Type:        rec.typ,
		Title:       rec.title,
		Description: rec.description,
		Members:     m.buildMembers(rec),
	}
	if msgs := m.messages[rec.id]; len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		chat.LastMessage = &last
	}
	return chat
}

// buildMembers resolves member profiles in join order, skipping ids
// whose account has disappeared. Must be called with mu held.
func (m *Memory) buildMembers(rec *chatRec) []User {
	members := make([]User, 0, len(rec.members))
	for _, mem := range rec.members {
		if acct, ok := m.accounts[mem.userID]; ok {
			members = append(members, acct.acct.User)
		}
	}
	return members
}
