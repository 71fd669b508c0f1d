package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogger(New(&buf))
	return &buf
}

func TestInfoWithFields(t *testing.T) {
	buf := capture(t)

	Info(context.Background(), "client connected", Fields{
		"user_id": "u1",
		"ip":      "10.0.0.1",
	})

	out := buf.String()
	if !strings.Contains(out, "level=INFO") {
		t.Error("INFO level not found in output")
	}
	if !strings.Contains(out, `msg="client connected"`) {
		t.Error("message not found in output")
	}
	if !strings.Contains(out, "user_id=u1") || !strings.Contains(out, "ip=10.0.0.1") {
		t.Errorf("fields not found in output: %s", out)
	}
}

func TestFieldOrderingIsSorted(t *testing.T) {
	buf := capture(t)

	Info(context.Background(), "ordered", Fields{
		"zebra": 1,
		"alpha": 2,
	})

	out := buf.String()
	if strings.Index(out, "alpha=") > strings.Index(out, "zebra=") {
		t.Errorf("fields not sorted: %s", out)
	}
}

func TestNilAndEmptyFields(t *testing.T) {
	buf := capture(t)

	Info(context.Background(), "no fields", nil)
	Warn(context.Background(), "empty fields", Fields{})

	out := buf.String()
	if !strings.Contains(out, `msg="no fields"`) {
		t.Error("nil fields message not found")
	}
	if !strings.Contains(out, "level=WARN") {
		t.Error("WARN level not found")
	}
}

func TestErrorAttachesErrorField(t *testing.T) {
	buf := capture(t)

	Error(context.Background(), "send failed", errors.New("broken pipe"), Fields{"client_id": "c1"})

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Error("ERROR level not found")
	}
	if !strings.Contains(out, `error="broken pipe"`) {
		t.Error("error field not found")
	}
	if !strings.Contains(out, "client_id=c1") {
		t.Error("client_id field not found")
	}
}

func TestErrorWithNilError(t *testing.T) {
	buf := capture(t)

	Error(context.Background(), "odd but legal", nil, nil)

	if !strings.Contains(buf.String(), `msg="odd but legal"`) {
		t.Error("message not found")
	}
}

func TestDebugFilteredByDefault(t *testing.T) {
	buf := capture(t)

	Debug(context.Background(), "noisy detail", Fields{"k": "v"})

	if strings.Contains(buf.String(), "noisy detail") {
		t.Error("debug output should be filtered at default level")
	}
}

func TestLogAt(t *testing.T) {
	buf := capture(t)

	LogAt(slog.LevelWarn, 0, "custom location", Fields{"seq": 7})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "custom location") {
		t.Errorf("LogAt output missing: %s", out)
	}
	if !strings.Contains(out, "seq=7") {
		t.Error("field not found")
	}
}
