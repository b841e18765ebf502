package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: true,
	}

	logger := NewLogger(cfg, NewRedactor())

	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if logger.Slog() == nil {
		t.Error("expected non-nil underlying logger")
	}
	if _, ok := logger.Handler().(*redactHandler); !ok {
		t.Error("expected a redacting handler")
	}
}

func TestLogger_Slog(t *testing.T) {
	var buf bytes.Buffer
	cfg := LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: true,
	}

	logger := NewLogger(cfg, nil)
	slogger := logger.Slog()

	if slogger == nil {
		t.Error("expected non-nil slog.Logger")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     &buf,
		JSONFormat: false, // Text format
	}

	logger := NewLogger(cfg, nil)
	logger.Info("test message")

	output := buf.String()
	if strings.Contains(output, "{") {
		t.Errorf("expected text format, got JSON-like output: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewGatewayLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	NewGatewayLogger("info", "json", &buf).Info("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	NewGatewayLogger("info", "text", &buf).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	NewGatewayLogger("warn", "json", &buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestLogger_RedactsMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf, JSONFormat: true}, NewRedactor())
	logger.Info("API key is sk-1234567890abcdefghijklmnop")

	output := buf.String()
	if strings.Contains(output, "sk-1234567890") {
		t.Errorf("expected API key to be redacted, got %s", output)
	}
	if !strings.Contains(output, "[REDACTED_OPENAI_KEY]") {
		t.Errorf("expected redaction marker, got %s", output)
	}
}

func TestLogger_RedactsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelDebug, Output: &buf, JSONFormat: true}, NewRedactor()).Slog()

	logger.With("auth", "Bearer tok-live-42").Debug("forwarding",
		"url", "/router/rest?method=a&sign=deadbeef01",
		"error", errors.New("failed with key sk-1234567890abcdefghijklmnop"),
		slog.Group("upstream", "header", "X-Access-Token: secret-77"),
		"attempt", 2,
	)

	output := buf.String()
	for _, leaked := range []string{"tok-live-42", "deadbeef01", "sk-1234567890", "secret-77"} {
		if strings.Contains(output, leaked) {
			t.Errorf("expected %q to be redacted, got %s", leaked, output)
		}
	}
	if !strings.Contains(output, `"attempt":2`) {
		t.Errorf("expected non-string attrs untouched, got %s", output)
	}
}

func TestLogger_NoRedactor(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf, JSONFormat: true}, nil)
	logger.Info("API key is sk-1234567890abcdefghijklmnop")

	if !strings.Contains(buf.String(), "sk-1234567890") {
		t.Errorf("expected no redaction without redactor")
	}
}
