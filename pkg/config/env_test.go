package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_GET_ENV", "value")
	if got := GetEnv("TEST_GET_ENV", "default"); got != "value" {
		t.Fatalf("GetEnv = %q, want value", got)
	}
	if got := GetEnv("TEST_GET_ENV_MISSING", "default"); got != "default" {
		t.Fatalf("GetEnv = %q, want default", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_GET_ENV_INT", "42")
	if got := GetEnvInt("TEST_GET_ENV_INT", 7); got != 42 {
		t.Fatalf("GetEnvInt = %d, want 42", got)
	}

	t.Setenv("TEST_GET_ENV_INT_BAD", "not-a-number")
	if got := GetEnvInt("TEST_GET_ENV_INT_BAD", 7); got != 7 {
		t.Fatalf("GetEnvInt = %d, want default 7", got)
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("TEST_GET_ENV_INT64", "9223372036854775807")
	if got := GetEnvInt64("TEST_GET_ENV_INT64", 1); got != 9223372036854775807 {
		t.Fatalf("GetEnvInt64 = %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_GET_ENV_BOOL", "true")
	if !GetEnvBool("TEST_GET_ENV_BOOL", false) {
		t.Fatal("GetEnvBool = false, want true")
	}
	if GetEnvBool("TEST_GET_ENV_BOOL_MISSING", false) {
		t.Fatal("GetEnvBool = true, want default false")
	}
}

func TestGetEnvFloat64(t *testing.T) {
	t.Setenv("TEST_GET_ENV_FLOAT", "0.5")
	if got := GetEnvFloat64("TEST_GET_ENV_FLOAT", 1.0); got != 0.5 {
		t.Fatalf("GetEnvFloat64 = %f, want 0.5", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_GET_ENV_DUR", "90s")
	if got := GetEnvDuration("TEST_GET_ENV_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("GetEnvDuration = %v, want 90s", got)
	}

	t.Setenv("TEST_GET_ENV_DUR_BAD", "ninety")
	if got := GetEnvDuration("TEST_GET_ENV_DUR_BAD", time.Second); got != time.Second {
		t.Fatalf("GetEnvDuration = %v, want default 1s", got)
	}
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("TEST_GET_ENV_SLICE", "a, b ,,c")
	got := GetEnvSlice("TEST_GET_ENV_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("GetEnvSlice length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetEnvSlice[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsInsecureDevSecret(t *testing.T) {
	if !IsInsecureDevSecret("dev-internal-token-change-me") {
		t.Fatal("expected dev placeholder to be flagged")
	}
	if IsInsecureDevSecret("a-real-production-secret-with-entropy") {
		t.Fatal("expected real secret to pass")
	}
}

func TestMinSecretLength(t *testing.T) {
	if MinSecretLength != 32 {
		t.Fatalf("MinSecretLength = %d, want 32", MinSecretLength)
	}
}
