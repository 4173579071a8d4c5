package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/floegence/turnengine/internal/ai"
	"github.com/floegence/turnengine/internal/ai/errs"
	"github.com/floegence/turnengine/internal/ai/sse"
	"github.com/floegence/turnengine/internal/config"
	"github.com/floegence/turnengine/internal/lockfile"
	"github.com/floegence/turnengine/internal/settings"
)

type fakeTurns struct {
	reqs []ai.TurnRequest
	err  error
}

func (f *fakeTurns) Chat(_ context.Context, req ai.TurnRequest) (ai.TurnResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return ai.TurnResult{}, f.err
	}
	convID := req.ConversationID
	if convID == "" {
		convID = "conv_1"
	}
	if req.Stream && req.OnEvent != nil {
		for _, w := range []string{"hi ", "there"} {
			req.OnEvent(sse.Event{Type: sse.TypeContentChunk, Data: map[string]any{"content": w}, ConversationID: convID})
		}
	}
	return ai.TurnResult{ConversationID: convID, Content: "hi there"}, nil
}

func TestREPL_StreamsAndKeepsConversation(t *testing.T) {
	t.Parallel()

	turns := &fakeTurns{}
	var out bytes.Buffer
	r := &repl{
		in:     strings.NewReader("hello\n\nagain\n/id\n/new\nfresh\n/quit\nignored\n"),
		out:    &out,
		turns:  turns,
		stream: true,
	}
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(turns.reqs) != 3 {
		t.Fatalf("turns=%d, want 3", len(turns.reqs))
	}
	if turns.reqs[0].ConversationID != "" || turns.reqs[1].ConversationID != "conv_1" || turns.reqs[2].ConversationID != "" {
		t.Fatalf("conversation ids: %q %q %q", turns.reqs[0].ConversationID, turns.reqs[1].ConversationID, turns.reqs[2].ConversationID)
	}
	for _, req := range turns.reqs {
		if !req.Trusted || req.ClientID != chatClientID {
			t.Fatalf("req=%+v", req)
		}
	}
	if got := strings.Count(out.String(), "assistant> hi there\n"); got != 3 {
		t.Fatalf("replies=%d in %q", got, out.String())
	}
	if !strings.Contains(out.String(), "conv_1\n") {
		t.Fatalf("/id output missing: %q", out.String())
	}
}

func TestREPL_ReportsErrorCode(t *testing.T) {
	t.Parallel()

	turns := &fakeTurns{err: &errs.ProcessingError{Stage: "admission", Err: &errs.RateLimitError{ClientID: "cli"}}}
	var out bytes.Buffer
	r := &repl{in: strings.NewReader("hello\n"), out: &out, turns: turns}
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "[rate_limited]") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestListKeys(t *testing.T) {
	t.Setenv("TURNENGINE_TEST_OPENAI_KEY", "sk-env")

	cfg := &config.Config{Providers: []config.Provider{
		{ID: "openai", Type: config.ProviderTypeOpenAI, APIKeyEnv: "TURNENGINE_TEST_OPENAI_KEY"},
		{ID: "claude", Type: config.ProviderTypeAnthropic},
		{ID: "local", Type: config.ProviderTypeOpenAICompatible},
	}}
	ks := settings.NewKeyStore(filepath.Join(t.TempDir(), "secrets.json"))
	if err := ks.Set("claude", "sk-ant"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out bytes.Buffer
	if err := listKeys(&out, cfg, ks); err != nil {
		t.Fatalf("listKeys: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%q", lines)
	}
	for i, want := range []string{"env TURNENGINE_TEST_OPENAI_KEY", "secrets file", "missing"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Fatalf("line %d=%q, want suffix %q", i, lines[i], want)
		}
	}
	if strings.Contains(out.String(), "sk-") {
		t.Fatalf("key material leaked: %q", out.String())
	}
}

func TestPrintBanner_PlainWhenNotTerminal(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printBanner(&out, bannerOptions{Version: "v1", Addr: "127.0.0.1:8080", DataDir: "/tmp/te", AuthMode: "header"})
	s := out.String()
	if strings.Contains(s, "\x1b[") {
		t.Fatalf("ANSI escapes in non-terminal output: %q", s)
	}
	if !strings.Contains(s, "http://127.0.0.1:8080/v1") || strings.Contains(s, "Model") {
		t.Fatalf("banner=%q", s)
	}
}

func TestJWTSecret(t *testing.T) {
	cfg := &config.Config{}
	if b, err := jwtSecret(cfg); err != nil || b != nil {
		t.Fatalf("no env configured: %v %v", b, err)
	}
	cfg.Auth.JWTSecretEnv = "TURNENGINE_TEST_JWT"
	t.Setenv("TURNENGINE_TEST_JWT", "")
	if _, err := jwtSecret(cfg); err == nil {
		t.Fatalf("expected error for unset secret env")
	}
	t.Setenv("TURNENGINE_TEST_JWT", "s3cret")
	if b, err := jwtSecret(cfg); err != nil || string(b) != "s3cret" {
		t.Fatalf("secret=%q err=%v", b, err)
	}
}

func TestUsageErrorExitCode(t *testing.T) {
	t.Parallel()

	var ee *exitError
	if err := usageError("bad %s", "flag"); !errors.As(err, &ee) || ee.code != 2 || err.Error() != "bad flag" {
		t.Fatalf("err=%v", err)
	}
}

func TestDataDirLockErrorNamesHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	held, err := lockfile.AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	defer func() { _ = held.Release() }()

	_, err = lockfile.AcquireDir(dir)
	got := dataDirLockError(dir, err)
	if !errors.Is(got, lockfile.ErrAlreadyLocked) {
		t.Fatalf("err=%v, want ErrAlreadyLocked in chain", got)
	}
	if msg := got.Error(); !strings.Contains(msg, "pid "+strconv.Itoa(os.Getpid())) || !strings.Contains(msg, dir) {
		t.Fatalf("message=%q", msg)
	}
	if plain := dataDirLockError(dir, errors.New("permission denied")); plain.Error() != "lock data dir: permission denied" {
		t.Fatalf("plain=%q", plain)
	}
}
