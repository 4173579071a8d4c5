package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/floegence/turnengine/internal/config"
	"github.com/floegence/turnengine/internal/settings"
)

func keysCmd(args []string) error {
	fs, cfgPath := newFlagSet("keys")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return usageError("usage: turnengine keys set|clear|list [PROVIDER]")
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	ks := settings.NewKeyStore(cfg.SecretsPath)

	switch rest[0] {
	case "list":
		return listKeys(os.Stdout, cfg, ks)
	case "set", "clear":
		if len(rest) != 2 {
			return usageError("usage: turnengine keys %s PROVIDER", rest[0])
		}
		p, ok := findProvider(cfg, rest[1])
		if !ok {
			return usageError("unknown provider %q", rest[1])
		}
		if rest[0] == "clear" {
			if err := ks.Clear(p.ID); err != nil {
				return err
			}
			fmt.Printf("Cleared key for %s\n", p.ID)
			return nil
		}
		key, err := readSecret(os.Stdin, os.Stderr, fmt.Sprintf("API key for %s: ", p.ID))
		if err != nil {
			return err
		}
		if err := ks.Set(p.ID, key); err != nil {
			return err
		}
		fmt.Printf("Stored key for %s in %s\n", p.ID, ks.Path())
		return nil
	default:
		return usageError("unknown keys command %q", rest[0])
	}
}

func findProvider(cfg *config.Config, id string) (config.Provider, bool) {
	id = strings.TrimSpace(id)
	for _, p := range cfg.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return config.Provider{}, false
}

func listKeys(w io.Writer, cfg *config.Config, ks *settings.KeyStore) error {
	ids := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ids = append(ids, p.ID)
	}
	stored, err := ks.Status(ids)
	if err != nil {
		return err
	}
	for _, p := range cfg.Providers {
		source := "missing"
		if _, ok := p.APIKeyFromEnv(); ok {
			source = "env " + p.APIKeyEnv
		} else if stored[p.ID] {
			source = "secrets file"
		}
		fmt.Fprintf(w, "%-16s %-18s %s\n", p.ID, p.Type, source)
	}
	return nil
}

// readSecret reads one line without echo when in is a terminal.
func readSecret(in *os.File, prompt io.Writer, label string) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("empty key on stdin")
	}
	return line, nil
}
