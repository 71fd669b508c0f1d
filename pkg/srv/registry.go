// Package srv implements the WebSocket relay: a registry of live
// connections, an event router that dispatches inbound envelopes, and a
// broadcaster that fans events out to chat members.
package srv

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Registry maps authenticated user ids to their live connections.
//
// A user has at most one routable connection: binding an id that is
// already bound replaces the entry (last bind wins), and the superseded
// connection stays open but stops receiving routed events. Lookups and
// fan-out iterate concurrently with binds, so the map is an xsync.Map
// rather than a mutex-guarded map.
type Registry struct {
	clients *xsync.Map[string, *Client]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: xsync.NewMap[string, *Client]()}
}

// Bind makes c the routable connection for userID.
func (r *Registry) Bind(userID string, c *Client) {
	if userID == "" {
		return
	}
	r.clients.Store(userID, c)
}

// Unbind removes the routing entry for userID. Safe to call for ids
// that are not bound.
func (r *Registry) Unbind(userID string) {
	if userID == "" {
		return
	}
	r.clients.Delete(userID)
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	return r.clients.Load(userID)
}

// Len returns the number of bound identities.
func (r *Registry) Len() int {
	return r.clients.Size()
}
