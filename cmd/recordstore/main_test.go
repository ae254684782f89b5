package main

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/config"
	"github.com/ehr/recordstore/internal/platform/blobstore"
	"github.com/ehr/recordstore/internal/platform/notification"
	"github.com/ehr/recordstore/internal/platform/queue"
	"github.com/ehr/recordstore/internal/platform/webhook"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"tenant", "create"},
		{"chain", "repair"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("expected command %v, got %v (%v)", path, cmd, err)
		}
	}
}

func TestMigrationFiles_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles(""), ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var sql int
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			sql++
		}
	}
	if sql < 3 {
		t.Errorf("expected at least 3 embedded migrations, got %d", sql)
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := newLogger("production", tt.level).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestOpenQueues_InProcessWithoutRedis(t *testing.T) {
	qs, err := openQueues(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer qs.Close()

	if _, ok := qs.notifications.(*queue.MemoryQueue); !ok {
		t.Errorf("expected in-process notification queue, got %T", qs.notifications)
	}
	if _, ok := qs.auditRetry.(*queue.MemoryQueue); !ok {
		t.Errorf("expected in-process retry queue, got %T", qs.auditRetry)
	}
	if _, ok := qs.probe(); ok {
		t.Error("expected no redis probe without a client")
	}
}

func TestOpenBlobStore_MemoryWithoutEndpoint(t *testing.T) {
	store, err := openBlobStore(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*blobstore.MemoryStore); !ok {
		t.Errorf("expected memory store, got %T", store)
	}
}

func TestAuthMiddleware(t *testing.T) {
	if _, err := authMiddleware(&config.Config{Env: "development"}); err != nil {
		t.Errorf("expected dev auth, got %v", err)
	}
	if _, err := authMiddleware(&config.Config{Env: "production", AuthSigningKey: "k"}); err != nil {
		t.Errorf("expected JWT auth, got %v", err)
	}
	if _, err := authMiddleware(&config.Config{Env: "production", AuthPublicKeyFile: "/does/not/exist.pem"}); err == nil {
		t.Error("expected error for unreadable public key file")
	}
}

func TestNotificationSender(t *testing.T) {
	qs := &queues{notifications: queue.NewMemoryQueue(1), auditRetry: queue.NewMemoryQueue(1)}

	s, err := notificationSender(&config.Config{}, qs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*notification.QueueSender); !ok {
		t.Errorf("expected queue sender, got %T", s)
	}

	s, err = notificationSender(&config.Config{NotificationWebhookURL: "https://hooks.example.test/n", NotifyTimeout: time.Second}, qs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*webhook.Sender); !ok {
		t.Errorf("expected webhook sender, got %T", s)
	}

	if _, err := notificationSender(&config.Config{NotificationWebhookURL: "ftp://nope"}, qs); err == nil {
		t.Error("expected error for unsupported webhook scheme")
	}
}
