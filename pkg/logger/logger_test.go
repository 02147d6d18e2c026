package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestRedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug")

	log.Info("provisioned",
		slog.String("address", "0xabc"),
		slog.String("private_key", "deadbeef"),
		slog.String("api_secret", "s3cr3t"),
		slog.String("mnemonic", "word word word"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["address"] != "0xabc" {
		t.Fatalf("address should not be redacted: %v", entry["address"])
	}
	for _, key := range []string{"private_key", "api_secret", "mnemonic"} {
		if entry[key] != RedactedValue {
			t.Fatalf("expected %s to be redacted, got %v", key, entry[key])
		}
	}
}

func TestInitWithAuditFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Level:       "info",
		Format:      "text",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: filepath.Join(dir, "audit", "audit.log")},
	}
	if err := Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Audit().Info("withdrawal_broadcast", slog.String("tx_hash", "0x1"))
	if Audit() == L() {
		t.Fatal("expected dedicated audit logger when audit is enabled")
	}
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
