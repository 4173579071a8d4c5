package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/floegence/turnengine/internal/config"
)

func TestKeyStore_SetGetClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secrets.json")
	s := NewKeyStore(path)

	if _, ok, err := s.Get("openai"); err != nil || ok {
		t.Fatalf("Get on missing file ok=%v err=%v", ok, err)
	}
	if err := s.Set("openai", "  sk-test  "); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("openai")
	if err != nil || !ok || v != "sk-test" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v, want 0600", st.Mode().Perm())
	}

	status, err := s.Status([]string{"openai", "claude"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status["openai"] || status["claude"] {
		t.Fatalf("status=%v", status)
	}

	if err := s.Clear("openai"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	ids, err := s.Providers()
	if err != nil || len(ids) != 0 {
		t.Fatalf("Providers=%v err=%v", ids, err)
	}
}

func TestKeyStore_RejectsEmptyKey(t *testing.T) {
	t.Parallel()

	s := NewKeyStore(filepath.Join(t.TempDir(), "secrets.json"))
	if err := s.Set("openai", " "); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}

func TestKeyStore_ResolvePrefersEnv(t *testing.T) {
	s := NewKeyStore(filepath.Join(t.TempDir(), "secrets.json"))
	if err := s.Set("openai", "from-file"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	p := config.Provider{ID: "openai", Type: "openai", APIKeyEnv: "TURNENGINE_TEST_OPENAI_KEY"}
	t.Setenv("TURNENGINE_TEST_OPENAI_KEY", "from-env")
	got, err := s.Resolve(p)
	if err != nil || got != "from-env" {
		t.Fatalf("Resolve=%q err=%v", got, err)
	}

	t.Setenv("TURNENGINE_TEST_OPENAI_KEY", "")
	got, err = s.Resolve(p)
	if err != nil || got != "from-file" {
		t.Fatalf("Resolve fallback=%q err=%v", got, err)
	}

	if _, err := s.Resolve(config.Provider{ID: "claude"}); !errors.Is(err, ErrAPIKeyMissing) {
		t.Fatalf("Resolve missing err=%v", err)
	}
}
