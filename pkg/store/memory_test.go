package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func seedUser(t *testing.T, m *Memory, username, displayName string) User {
	t.Helper()
	user, err := m.CreateAccount(context.Background(), Account{
		User: User{
			Username:    username,
			DisplayName: displayName,
			Status:      "online",
		},
		Email:        username + "@example.com",
		PasswordHash: "x",
	})
	if err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
	return user
}

func TestCreateAccountConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedUser(t, m, "alice", "Alice")

	_, err := m.CreateAccount(ctx, Account{
		User:  User{Username: "alice", DisplayName: "Other"},
		Email: "other@example.com",
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate username: got %v, want ErrConflict", err)
	}

	_, err = m.CreateAccount(ctx, Account{
		User:  User{Username: "alice2", DisplayName: "Other"},
		Email: "alice@example.com",
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate email: got %v, want ErrConflict", err)
	}
}

func TestListUsersNewestFirst(t *testing.T) {
	m := NewMemory()
	seedUser(t, m, "first", "First")
	seedUser(t, m, "second", "Second")
	seedUser(t, m, "third", "Third")

	users, err := m.ListUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 3 {
		t.Fatalf("got %d users", len(users))
	}
	if users[0].Username != "third" || users[2].Username != "first" {
		t.Errorf("wrong order: %s, %s, %s", users[0].Username, users[1].Username, users[2].Username)
	}
}

func TestCreateDirectChatIdempotentByPair(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	alice := seedUser(t, m, "alice", "Alice")
	bob := seedUser(t, m, "bob", "Bob")

	first, err := m.CreateDirectChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.CreateDirectChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	reversed, err := m.CreateDirectChat(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != again.ID || first.ID != reversed.ID {
		t.Errorf("direct chat not deduplicated: %s, %s, %s", first.ID, again.ID, reversed.ID)
	}
	if len(first.Members) != 2 {
		t.Errorf("got %d members", len(first.Members))
	}
	if first.Title != "Bob" {
		t.Errorf("title = %q, want target display name", first.Title)
	}
}

func TestCreateDirectChatValidation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	alice := seedUser(t, m, "alice", "Alice")

	var verr *ValidationError
	if _, err := m.CreateDirectChat(ctx, alice.ID, ""); !errors.As(err, &verr) {
		t.Errorf("blank target: got %v", err)
	}
	if _, err := m.CreateDirectChat(ctx, alice.ID, alice.ID); !errors.As(err, &verr) {
		t.Errorf("self target: got %v", err)
	}
	if _, err := m.CreateDirectChat(ctx, alice.ID, "no-such-id"); !errors.As(err, &verr) {
		t.Errorf("unknown target: got %v", err)
	}
}

func TestCreateGroupAndInvite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	owner := seedUser(t, m, "owner", "Owner")
	member := seedUser(t, m, "member", "Member")
	late := seedUser(t, m, "late", "Late")

	// Duplicates, the owner itself, blanks, and unknown ids are ignored.
	chat, err := m.CreateGroup(ctx, owner.ID, "  Team  ", "desc",
		[]string{member.ID, member.ID, owner.ID, "", "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if chat.Title != "Team" {
		t.Errorf("title = %q", chat.Title)
	}
	if len(chat.Members) != 2 {
		t.Fatalf("got %d members, want 2", len(chat.Members))
	}
	if chat.Members[0].ID != owner.ID {
		t.Error("owner should be first member")
	}

	if _, err := m.CreateGroup(ctx, owner.ID, "   ", "", nil); err == nil {
		t.Error("blank title should fail")
	}

	updated, err := m.InviteToGroup(ctx, chat.ID, []string{late.ID, member.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Members) != 3 {
		t.Errorf("got %d members after invite, want 3", len(updated.Members))
	}
	// Re-inviting everyone changes nothing.
	same, err := m.InviteToGroup(ctx, chat.ID, []string{late.ID, member.ID, owner.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(same.Members) != 3 {
		t.Errorf("invite not idempotent: %d members", len(same.Members))
	}
}

func TestListMessagesWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	alice := seedUser(t, m, "alice", "Alice")
	bob := seedUser(t, m, "bob", "Bob")
	chat, err := m.CreateDirectChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 10 {
		if _, err := m.CreateMessage(ctx, chat.ID, alice.ID, "text", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Newest 3, returned ascending.
	msgs, err := m.ListMessages(ctx, chat.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content != "msg 7" || msgs[2].Content != "msg 9" {
		t.Errorf("wrong window: %q .. %q", msgs[0].Content, msgs[2].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt < msgs[i-1].CreatedAt {
			t.Error("messages not ascending by CreatedAt")
		}
	}

	// Out-of-range limits clamp rather than error.
	if msgs, err = m.ListMessages(ctx, chat.ID, 0); err != nil || len(msgs) != 1 {
		t.Errorf("limit 0: got %d messages, err %v", len(msgs), err)
	}
	if msgs, err = m.ListMessages(ctx, chat.ID, 9999); err != nil || len(msgs) != 10 {
		t.Errorf("limit 9999: got %d messages, err %v", len(msgs), err)
	}

	if _, err := m.ListMessages(ctx, "no-such-chat", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown chat: got %v", err)
	}
}

func TestMessageTimestampsMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	alice := seedUser(t, m, "alice", "Alice")
	bob := seedUser(t, m, "bob", "Bob")
	chat, err := m.CreateDirectChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	var prev int64
	for i := 0; i < 50; i++ {
		msg, err := m.CreateMessage(ctx, chat.ID, alice.ID, "text", "x")
		if err != nil {
			t.Fatal(err)
		}
		if msg.CreatedAt < prev {
			t.Fatalf("timestamp went backwards: %d < %d", msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}
}

func TestChatListComputedTitleAndLastMessage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	alice := seedUser(t, m, "alice", "Alice")
	bob := seedUser(t, m, "bob", "Bob")
	chat, err := m.CreateDirectChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateMessage(ctx, chat.ID, bob.ID, "text", "hello"); err != nil {
		t.Fatal(err)
	}

	forAlice, err := m.ListChatsForUser(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(forAlice) != 1 {
		t.Fatalf("got %d chats", len(forAlice))
	}
	if forAlice[0].Title != "Bob" {
		t.Errorf("alice sees title %q, want Bob", forAlice[0].Title)
	}
	if forAlice[0].LastMessage == nil || forAlice[0].LastMessage.Content != "hello" {
		t.Error("last message not attached")
	}

	forBob, err := m.ListChatsForUser(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if forBob[0].Title != "Alice" {
		t.Errorf("bob sees title %q, want Alice", forBob[0].Title)
	}
}

func TestUpdateUserStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	alice := seedUser(t, m, "alice", "Alice")

	if err := m.UpdateUserStatus(ctx, alice.ID, "away"); err != nil {
		t.Fatal(err)
	}
	user, err := m.UserByID(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if user.Status != "away" {
		t.Errorf("status = %q", user.Status)
	}
	if err := m.UpdateUserStatus(ctx, "nope", "away"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown user: got %v", err)
	}
}
