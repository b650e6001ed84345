package database

import (
	"strings"
	"testing"
)

func TestBuildPostgresDSNDefaults(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{
		User: "carecache",
		Name: "carecache",
	})
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	expected := "host=localhost port=5432 user=carecache dbname=carecache TimeZone=UTC application_name=carecache sslmode=disable"
	if dsn != expected {
		t.Fatalf("expected %q, got %q", expected, dsn)
	}
}

func TestBuildPostgresDSNWithOptions(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{
		User:     "user",
		Name:     "db",
		Host:     "db.example.com",
		Port:     6543,
		Password: "pass",
		Options: map[string]string{
			"sslmode":     "require",
			"search_path": "public",
		},
	})
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if !containsAll(
		dsn,
		"host=db.example.com",
		"port=6543",
		"user=user",
		"dbname=db",
		"password=pass",
		"sslmode=require",
		"search_path=public",
		"TimeZone=UTC",
		"application_name=carecache",
	) {
		t.Fatalf("dsn missing expected components: %q", dsn)
	}
}

func TestBuildPostgresDSNRequiresUserAndName(t *testing.T) {
	if _, err := buildPostgresDSN(Config{}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}

func TestBuildMySQLDSNDefaults(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{
		User: "carecache",
		Name: "carecache",
	})
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	expected := "carecache@tcp(127.0.0.1:3306)/carecache?charset=utf8mb4&loc=UTC&parseTime=True"
	if dsn != expected {
		t.Fatalf("expected %q, got %q", expected, dsn)
	}
}

func TestBuildMySQLDSNWithOptions(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{
		User:     "user",
		Password: "secret",
		Name:     "db",
		Host:     "db.example.com",
		Port:     3307,
		Options: map[string]string{
			"tls": "skip-verify",
		},
	})
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if !containsAll(
		dsn,
		"user:secret@tcp(db.example.com:3307)/db?",
		"charset=utf8mb4",
		"loc=UTC",
		"parseTime=True",
		"tls=skip-verify",
	) {
		t.Fatalf("dsn missing expected components: %q", dsn)
	}
}

func TestBuildMySQLDSNRequiresUserAndName(t *testing.T) {
	if _, err := buildMySQLDSN(Config{Host: "localhost"}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}

func TestBuildDSNPassesThroughOverride(t *testing.T) {
	override := "postgres://replica.example.com/carecache?sslmode=verify-full"
	dsn, err := buildPostgresDSN(Config{DSN: override})
	if err != nil || dsn != override {
		t.Fatalf("expected override %q, got %q (%v)", override, dsn, err)
	}
	dsn, err = buildMySQLDSN(Config{DSN: override})
	if err != nil || dsn != override {
		t.Fatalf("expected override %q, got %q (%v)", override, dsn, err)
	}
}

func TestMergeOptionsOverridesDefaults(t *testing.T) {
	pairs := mergeOptions(mysqlDefaults, map[string]string{"loc": "Local", "timeout": "5s"})
	got := strings.Join(pairs, "&")
	expected := "charset=utf8mb4&loc=Local&parseTime=True&timeout=5s"
	if got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func containsAll(value string, parts ...string) bool {
	for _, part := range parts {
		if !strings.Contains(value, part) {
			return false
		}
	}
	return true
}
