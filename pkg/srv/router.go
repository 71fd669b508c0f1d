package srv

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/connectchat/relay/pkg/auth"
	"github.com/connectchat/relay/pkg/logger"
	"github.com/connectchat/relay/pkg/store"
	"github.com/connectchat/relay/pkg/wire"
)

// errNotAuthenticated is replied when an auth-gated event arrives on a
// connection with no bound identity.
var errNotAuthenticated = errors.New("not authenticated")

// AuthResponse is the payload of auth:register and auth:login replies.
type AuthResponse struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

// Presence is the payload of a presence:update broadcast.
type Presence struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Signal is the opaque RTC signaling value relayed between peers. The
// relay reads ToUserID to route it and forwards the rest untouched.
type Signal struct {
	Type       string          `json:"type"`
	ChatID     string          `json:"chatId,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	ToUserID   string          `json:"toUserId"`
	CallType   string          `json:"callType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// handlerFunc processes one event. A nil reply means the event has no
// direct response (fan-out events answer through the broadcaster). A
// returned error is classified by Dispatch: recoverable errors become
// an in-band error reply, anything else terminates the connection.
type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error)

type route struct {
	fn          handlerFunc
	requireAuth bool
}

// Router dispatches decoded envelopes to their event handlers.
type Router struct {
	store       store.Store
	gateway     *auth.Gateway
	registry    *Registry
	broadcaster *Broadcaster
	routes      map[string]route
}

// NewRouter builds the dispatch table over the given collaborators.
func NewRouter(s store.Store, gateway *auth.Gateway, registry *Registry, broadcaster *Broadcaster) *Router {
	r := &Router{
		store:       s,
		gateway:     gateway,
		registry:    registry,
		broadcaster: broadcaster,
	}
	r.routes = map[string]route{
		"auth:register":     {fn: r.handleRegister},
		"auth:login":        {fn: r.handleLogin},
		"auth:me":           {fn: r.handleAuthMe, requireAuth: true},
		"user:list":         {fn: r.handleUserList, requireAuth: true},
		"chat:list":         {fn: r.handleChatList, requireAuth: true},
		"message:list":      {fn: r.handleMessageList, requireAuth: true},
		"chat:createDirect": {fn: r.handleCreateDirect, requireAuth: true},
		"group:create":      {fn: r.handleCreateGroup, requireAuth: true},
		"group:invite":      {fn: r.handleInviteGroup, requireAuth: true},
		"message:send":      {fn: r.handleSendMessage, requireAuth: true},
		"presence:update":   {fn: r.handlePresenceUpdate, requireAuth: true},
		"rtc:signal":        {fn: r.handleRtcSignal},
	}
	return r
}

// Dispatch routes one envelope. Unknown events are echoed back
// unchanged. The returned reply may be nil (no direct response). A
// non-nil error means the connection must be closed.
func (r *Router) Dispatch(ctx context.Context, c *Client, env wire.Envelope) (*wire.Envelope, error) {
	rt, ok := r.routes[env.Event]
	if !ok {
		// Unknown events bounce back to the sender as-is.
		return &env, nil
	}

	if rt.requireAuth && c.Identity() == "" {
		reply := wire.ErrorEnvelope(env.Event, errNotAuthenticated.Error())
		return &reply, nil
	}

	reply, err := rt.fn(ctx, c, env.Data)
	if err != nil {
		if recoverable(err) {
			errReply := wire.ErrorEnvelope(env.Event, err.Error())
			return &errReply, nil
		}
		return nil, err
	}
	return reply, nil
}

// recoverable reports whether an error is part of the reply-in-band
// taxonomy. Everything else is treated as a protocol or internal
// failure and terminates the connection.
func recoverable(err error) bool {
	var verr *store.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, auth.ErrBadCredentials) ||
		errors.Is(err, errNotAuthenticated)
}

// decodeAs decodes an event's data into its request shape. A shape
// mismatch is the client's fault, so it maps to a ValidationError.
func decodeAs[T any](event string, data json.RawMessage) (T, error) {
	var req T
	if err := json.Unmarshal(data, &req); err != nil {
		return req, store.Validation("invalid %s payload", event)
	}
	return req, nil
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

func (r *Router) handleRegister(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[registerRequest]("auth:register", data)
	if err != nil {
		return nil, err
	}

	user, err := r.gateway.Register(ctx, req.Username, req.DisplayName, req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	return r.authenticated(ctx, c, "auth:register", user)
}

type loginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

func (r *Router) handleLogin(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[loginRequest]("auth:login", data)
	if err != nil {
		return nil, err
	}

	user, err := r.gateway.Login(ctx, req.UsernameOrEmail, req.Password)
	if err != nil {
		return nil, err
	}
	return r.authenticated(ctx, c, "auth:login", user)
}

// authenticated binds the user to the connection and builds the
// {token, user} reply shared by both auth events.
func (r *Router) authenticated(ctx context.Context, c *Client, event string, user store.User) (*wire.Envelope, error) {
	token, err := r.gateway.IssueToken(user)
	if err != nil {
		return nil, err
	}

	c.SetIdentity(user.ID)
	r.registry.Bind(user.ID, c)
	logger.Info(ctx, "connection authenticated", logger.Fields{
		"client_id": c.ID,
		"user_id":   user.ID,
		"username":  user.Username,
		"event":     event,
	})

	reply, err := wire.Encode(event, AuthResponse{Token: token, User: user})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (r *Router) handleAuthMe(ctx context.Context, c *Client, _ json.RawMessage) (*wire.Envelope, error) {
	user, err := r.store.UserByID(ctx, c.Identity())
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("auth:me", user)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (r *Router) handleUserList(ctx context.Context, _ *Client, _ json.RawMessage) (*wire.Envelope, error) {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("user:list", users)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (r *Router) handleChatList(ctx context.Context, c *Client, _ json.RawMessage) (*wire.Envelope, error) {
	chats, err := r.store.ListChatsForUser(ctx, c.Identity())
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("chat:list", chats)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type messageListRequest struct {
	ChatID string `json:"chatId"`
	Limit  *int   `json:"limit"`
}

func (r *Router) handleMessageList(ctx context.Context, _ *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[messageListRequest]("message:list", data)
	if err != nil {
		return nil, err
	}

	limit := 100
	if req.Limit != nil {
		limit = *req.Limit
	}
	messages, err := r.store.ListMessages(ctx, req.ChatID, limit)
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("message:list", messages)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type createDirectRequest struct {
	UserID string `json:"userId"`
}

func (r *Router) handleCreateDirect(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[createDirectRequest]("chat:createDirect", data)
	if err != nil {
		return nil, err
	}

	chat, err := r.store.CreateDirectChat(ctx, c.Identity(), req.UserID)
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("chat:created", chat)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type createGroupRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"memberIds"`
}

func (r *Router) handleCreateGroup(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[createGroupRequest]("group:create", data)
	if err != nil {
		return nil, err
	}

	chat, err := r.store.CreateGroup(ctx, c.Identity(), req.Title, req.Description, req.MemberIDs)
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("chat:created", chat)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type inviteGroupRequest struct {
	GroupID string   `json:"groupId"`
	UserIDs []string `json:"userIds"`
}

func (r *Router) handleInviteGroup(ctx context.Context, _ *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[inviteGroupRequest]("group:invite", data)
	if err != nil {
		return nil, err
	}

	chat, err := r.store.InviteToGroup(ctx, req.GroupID, req.UserIDs)
	if err != nil {
		return nil, err
	}
	reply, err := wire.Encode("chat:updated", chat)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// handleSendMessage persists first, then fans out message:receive to
// every current member, sender included. There is no direct reply; the
// sender sees their own message arrive through the broadcast.
func (r *Router) handleSendMessage(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[sendMessageRequest]("message:send", data)
	if err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = "text"
	}

	msg, err := r.store.CreateMessage(ctx, req.ChatID, c.Identity(), req.Kind, req.Content)
	if err != nil {
		return nil, err
	}

	members, err := r.store.MembersForChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, m.ID)
	}
	r.broadcaster.Deliver(ctx, recipients, "message:receive", msg)
	return nil, nil
}

type presenceRequest struct {
	Status string `json:"status"`
}

// handlePresenceUpdate persists the status and broadcasts it to every
// known user, not just chat members.
func (r *Router) handlePresenceUpdate(ctx context.Context, c *Client, data json.RawMessage) (*wire.Envelope, error) {
	req, err := decodeAs[presenceRequest]("presence:update", data)
	if err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = "online"
	}

	userID := c.Identity()
	if err := r.store.UpdateUserStatus(ctx, userID, req.Status); err != nil {
		return nil, err
	}

	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	recipients := make([]string, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, u.ID)
	}
	r.broadcaster.Deliver(ctx, recipients, "presence:update", Presence{UserID: userID, Status: req.Status})
	return nil, nil
}

// handleRtcSignal relays a signaling value to its target, if connected.
// Offline targets are dropped silently: no error, no retry, no queuing.
func (r *Router) handleRtcSignal(ctx context.Context, _ *Client, data json.RawMessage) (*wire.Envelope, error) {
	signal, err := decodeAs[Signal]("rtc:signal", data)
	if err != nil {
		return nil, err
	}

	if !r.broadcaster.DeliverOne(ctx, signal.ToUserID, "rtc:signal", signal) {
		logger.Debug(ctx, "rtc signal dropped, target offline", logger.Fields{
			"to_user_id": signal.ToUserID,
			"type":       signal.Type,
		})
	}
	return nil, nil
}
