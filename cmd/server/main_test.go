package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"reelsync/internal/api"
	"reelsync/internal/notify"
)

func TestConfigureNotifyQueueMemory(t *testing.T) {
	queue, err := configureNotifyQueue("", notify.RedisQueueConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("configureNotifyQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatalf("configureNotifyQueue returned nil queue")
	}
}

func TestConfigureNotifyQueueRedisMissingAddress(t *testing.T) {
	_, err := configureNotifyQueue("redis", notify.RedisQueueConfig{}, slog.Default())
	if err == nil {
		t.Fatal("configureNotifyQueue redis expected error when addr missing")
	}
}

func TestConfigureNotifyQueueRejectsUnknownDriver(t *testing.T) {
	_, err := configureNotifyQueue("kafka", notify.RedisQueueConfig{}, slog.Default())
	if err == nil {
		t.Fatal("expected error for unsupported queue driver")
	}
}

func TestResolveStorageDriverDefaultsToPostgresWithDSN(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStorageDriverDefaultsToJSON(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "json" {
		t.Fatalf("expected json driver, got %q", driver)
	}
}

func TestValidateProductionDatastoreRejectsNonPostgres(t *testing.T) {
	if err := validateProductionDatastore("json", "postgres://example", "postgres://env"); err == nil {
		t.Fatal("expected error when production mode uses non-postgres driver")
	}
}

func TestValidateProductionDatastoreRequiresEnvDSN(t *testing.T) {
	err := validateProductionDatastore("postgres", "postgres://resolved", "")
	if err == nil {
		t.Fatal("expected error when REELSYNC_POSTGRES_DSN is missing")
	}
	if !strings.Contains(err.Error(), "REELSYNC_POSTGRES_DSN") {
		t.Fatalf("expected error to mention REELSYNC_POSTGRES_DSN, got %q", err)
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("REELSYNC_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	got := resolvePostgresDSN("postgres://flag")
	if got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	got = resolvePostgresDSN("")
	if got != "postgres://env" {
		t.Fatalf("expected REELSYNC_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("REELSYNC_POSTGRES_DSN", "")
	got = resolvePostgresDSN("")
	if got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestResolveSessionStoreConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		flagDriver    string
		envDriver     string
		storageDriver string
		storageDSN    string
		flagDSN       string
		envDSN        string
		want          sessionStoreConfig
		wantErr       bool
	}{
		{
			name: "defaults to memory",
			want: sessionStoreConfig{Driver: "memory"},
		},
		{
			name:          "follows postgres storage",
			storageDriver: "postgres",
			storageDSN:    "postgres://storage",
			want:          sessionStoreConfig{Driver: "postgres", DSN: "postgres://storage"},
		},
		{
			name:    "dedicated DSN implies postgres",
			flagDSN: "postgres://sessions",
			want:    sessionStoreConfig{Driver: "postgres", DSN: "postgres://sessions"},
		},
		{
			name:       "flag driver wins over env",
			flagDriver: "memory",
			envDriver:  "postgres",
			want:       sessionStoreConfig{Driver: "memory"},
		},
		{
			name:       "postgres driver without DSN fails",
			flagDriver: "postgres",
			wantErr:    true,
		},
		{
			name:       "unknown driver fails",
			flagDriver: "sqlite",
			wantErr:    true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveSessionStoreConfig(tc.flagDriver, tc.envDriver, tc.storageDriver, tc.storageDSN, tc.flagDSN, tc.envDSN)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveSessionStoreConfig returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestResolveSessionCookieSecureMode(t *testing.T) {
	t.Parallel()

	if mode := resolveSessionCookieSecureMode("production"); mode != api.SessionCookieSecureAlways {
		t.Fatalf("expected production mode to force secure cookies, got %v", mode)
	}
	if mode := resolveSessionCookieSecureMode("development"); mode != api.SessionCookieSecureAuto {
		t.Fatalf("expected development mode to keep auto secure cookies, got %v", mode)
	}
	if mode := resolveSessionCookieSecureMode(" "); mode != api.SessionCookieSecureAuto {
		t.Fatalf("expected empty mode to keep auto secure cookies, got %v", mode)
	}
}

func TestResolveTrustActorIDsRefusedInProduction(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if resolveTrustActorIDs(true, "production", logger) {
		t.Fatal("expected trust-actor-ids to be refused in production")
	}
	if !resolveTrustActorIDs(true, "development", logger) {
		t.Fatal("expected trust-actor-ids to be honoured in development")
	}
}

func TestDefaultListenForMode(t *testing.T) {
	if addr := defaultListenForMode("production"); addr != ":80" {
		t.Fatalf("expected :80 in production, got %q", addr)
	}
	if addr := defaultListenForMode("development"); addr != ":8080" {
		t.Fatalf("expected :8080 in development, got %q", addr)
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(5*time.Second, "REELSYNC_TEST_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("expected flag value to win, got %v", got)
	}
	t.Setenv("REELSYNC_TEST_DURATION", "90s")
	if got := resolveDuration(0, "REELSYNC_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("expected env value, got %v", got)
	}
	t.Setenv("REELSYNC_TEST_DURATION", "")
	if got := resolveDuration(0, "REELSYNC_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://studio.example.com , https://edit.example.com ,, ")
	if len(got) != 2 || got[0] != "https://studio.example.com" || got[1] != "https://edit.example.com" {
		t.Fatalf("unexpected result: %#v", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}
