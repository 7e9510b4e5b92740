package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestConfigBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    Config
		expect string
	}{
		{"json", Config{Format: FormatJSON}, `"op":"q"`},
		{"text", Config{Format: FormatText}, "op=q"},
		{"pretty", Config{NoColor: true}, "op=q"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log, err := tc.cfg.Build(&buf)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			log.Info("placed", "op", "q")
			if !strings.Contains(buf.String(), tc.expect) {
				t.Fatalf("expected %q in output, got: %s", tc.expect, buf.String())
			}
		})
	}
}

func TestConfigBuildErrors(t *testing.T) {
	t.Parallel()
	if _, err := (Config{Format: "xml"}).Build(&bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := (Config{Level: "loud"}).Build(&bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("hidden")
	if buf.Len() > 0 {
		t.Fatalf("expected no output at warn level, got: %s", buf.String())
	}
	if log.Enabled(slog.LevelInfo) {
		t.Fatal("expected info to be disabled")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn message, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	if log.Enabled(slog.LevelError) {
		t.Fatal("expected Discard to disable every level")
	}
	log.With("k", 1).Error("dropped")
}

func TestWithAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "compiler").WithGroup("op")
	log.Info("generated", "name", "q")

	out := buf.String()
	if !strings.Contains(out, `"component":"compiler"`) {
		t.Fatalf("expected component attr, got: %s", out)
	}
	if !strings.Contains(out, `"op":{"name":"q"}`) {
		t.Fatalf("expected grouped attr, got: %s", out)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.input)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseLevel(%q): expected error %v, got %v", tc.input, tc.wantErr, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", tc.input, tc.want, got)
		}
	}
}

func prettyLine(t *testing.T, h slog.Handler, msg string, args ...any) {
	t.Helper()
	slog.New(h).Info(msg, args...)
}

func TestPrettyNoColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &PrettyOptions{NoColor: true})
	prettyLine(t, h, "compiled", "ops", 8, "weights_bytes", int64(4704), "took", 1500*time.Microsecond)

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("expected no escape codes, got: %q", out)
	}
	for _, want := range []string{"INFO  compiled", "ops=8", "weights_bytes=4.6 KiB", "took=1.5ms"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %q", want, out)
		}
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	prettyLine(t, NewPrettyHandler(&buf, nil), "x")
	if !strings.Contains(buf.String(), ansiBlue) {
		t.Fatalf("expected info colour, got: %q", buf.String())
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &PrettyOptions{NoColor: true})
	h2 := h.WithGroup("a").WithAttrs([]slog.Attr{slog.String("svc", "api")}).WithGroup("b")
	prettyLine(t, h2, "nested", "key", "val")

	out := buf.String()
	if !strings.Contains(out, "a.svc=api") {
		t.Fatalf("expected 'a.svc=api', got: %s", out)
	}
	if !strings.Contains(out, "a.b.key=val") {
		t.Fatalf("expected 'a.b.key=val', got: %s", out)
	}
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &PrettyOptions{NoColor: true})
	prettyLine(t, h, "m", "path", "a b", "plain", "simple")

	out := buf.String()
	if !strings.Contains(out, `path="a b"`) {
		t.Fatalf("expected quoted value, got: %s", out)
	}
	if !strings.Contains(out, "plain=simple") {
		t.Fatalf("expected unquoted value, got: %s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{4704, "4.6 KiB"},
		{3 << 20, "3.0 MiB"},
	}
	for _, tc := range tests {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Fatalf("FormatBytes(%d): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
