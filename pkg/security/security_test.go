package security

import (
	"net/http/httptest"
	"testing"
)

func reserveAndCommit(t *testing.T, cl *ConnectionLimiter, ip string) bool {
	t.Helper()
	token := cl.Reserve(ip)
	if token == "" {
		return false
	}
	if !cl.CommitReservation(token) {
		t.Fatalf("fresh reservation for %s failed to commit", ip)
	}
	return true
}

func TestConnectionLimiterPerIP(t *testing.T) {
	cl := NewConnectionLimiter(2, 10)
	defer cl.Stop()

	ip := "192.168.1.1"
	if !reserveAndCommit(t, cl, ip) {
		t.Error("first connection should be allowed")
	}
	if !reserveAndCommit(t, cl, ip) {
		t.Error("second connection should be allowed")
	}
	if cl.Reserve(ip) != "" {
		t.Error("third connection should be denied by per-IP cap")
	}

	cl.Remove(ip)
	if !reserveAndCommit(t, cl, ip) {
		t.Error("slot should reopen after Remove")
	}
}

func TestConnectionLimiterTotal(t *testing.T) {
	cl := NewConnectionLimiter(10, 3)
	defer cl.Stop()

	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if !reserveAndCommit(t, cl, ip) {
			t.Fatalf("connection %d should be allowed", i)
		}
	}
	if cl.Reserve("10.0.0.4") != "" {
		t.Error("fourth connection should be denied by total cap")
	}
}

func TestReservationCountsAgainstCaps(t *testing.T) {
	cl := NewConnectionLimiter(1, 10)
	defer cl.Stop()

	token := cl.Reserve("10.0.0.1")
	if token == "" {
		t.Fatal("reservation denied")
	}
	// Uncommitted reservation already holds the per-IP slot.
	if cl.Reserve("10.0.0.1") != "" {
		t.Error("second reservation should be denied while first is pending")
	}

	cl.CancelReservation(token)
	if cl.Reserve("10.0.0.1") == "" {
		t.Error("slot should reopen after cancel")
	}
}

func TestCommitUnknownReservation(t *testing.T) {
	cl := NewConnectionLimiter(1, 1)
	defer cl.Stop()

	if cl.CommitReservation("no-such-token") {
		t.Error("unknown token should not commit")
	}
	token := cl.Reserve("10.0.0.1")
	if !cl.CommitReservation(token) {
		t.Error("valid token should commit")
	}
	if cl.CommitReservation(token) {
		t.Error("token should be single-use")
	}
}

func TestRemoveUnknownIP(t *testing.T) {
	cl := NewConnectionLimiter(1, 1)
	defer cl.Stop()

	// Removing an IP with no committed connections must not underflow.
	cl.Remove("10.9.9.9")
	if !reserveAndCommit(t, cl, "10.0.0.1") {
		t.Error("caps should be unaffected by spurious Remove")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q", got)
	}

	r.RemoteAddr = "203.0.113.9"
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("ClientIP without port = %q", got)
	}
}
