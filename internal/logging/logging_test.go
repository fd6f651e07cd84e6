package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitUsesConfiguredHandler(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := L("capture")
	logger.Info("connected", "session", "s1")

	out := buf.String()
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "session=s1") {
		t.Fatalf("expected session field, got: %s", out)
	}
}

func TestInitRespectsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger := L("capture")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("encoder").Info("spawned", "pid", 123)

	out := buf.String()
	if !strings.Contains(out, `"component":"encoder"`) {
		t.Fatalf("expected json component field, got: %s", out)
	}
}
