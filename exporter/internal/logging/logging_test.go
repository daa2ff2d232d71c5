package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"warn", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"CRITICAL", LevelCritical, false},
		{"verbose", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q): err=%v, wantErr=%v", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNew_JSONRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	log := New(&buf, &lv, FormatJSON)

	log.Info("request",
		"secret_key", "s3cr3t",
		"Authorization", "anything",
		"header", `hmac accesskey="ak",algorithm="hmac-sha256",signature="abc"`,
		"volume_id", "11111111-1111-1111-1111-111111111111",
	)

	out := buf.String()
	if strings.Contains(out, "s3cr3t") || strings.Contains(out, "accesskey") {
		t.Fatalf("secret leaked: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["volume_id"] != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("ordinary attribute altered: %v", rec["volume_id"])
	}
	if rec["secret_key"] != redacted || rec["Authorization"] != redacted || rec["header"] != redacted {
		t.Errorf("attributes not redacted: %v", rec)
	}
}

func TestNew_LevelVarIsLive(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	lv.Set(slog.LevelWarn)
	log := New(&buf, &lv, FormatText)

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	lv.Set(slog.LevelDebug)
	log.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("level change not applied: %q", buf.String())
	}
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{"json", "TEXT", ""} {
		if !ValidFormat(f) {
			t.Errorf("ValidFormat(%q) = false", f)
		}
	}
	if ValidFormat("xml") {
		t.Error("ValidFormat(xml) = true")
	}
}
