package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var js, pretty bytes.Buffer
	newLogger(&js, "info", "json").Info("server.start", "addr", ":8080")
	newLogger(&pretty, "info", "pretty").Info("server.start", "addr", ":8080")

	if !strings.Contains(js.String(), `"msg":"server.start"`) {
		t.Fatalf("json output=%q", js.String())
	}
	if !strings.Contains(pretty.String(), "msg=server.start") || !strings.Contains(pretty.String(), "addr=:8080") {
		t.Fatalf("pretty output=%q", pretty.String())
	}
}
