package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/floegence/turnengine/internal/config"
	"github.com/floegence/turnengine/internal/httpapi"
	"github.com/floegence/turnengine/internal/logging"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCmd(os.Args[2:])
	case "chat":
		err = chatCmd(os.Args[2:])
	case "keys":
		err = keysCmd(os.Args[2:])
	case "token":
		err = tokenCmd(os.Args[2:])
	case "version", "--version":
		fmt.Printf("turnengine %s (%s) %s\n", Version, Commit, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
		os.Exit(2)
	}
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `turnengine

Usage:
  turnengine serve [--config PATH]
  turnengine chat [--config PATH] [--conversation ID] [--model ID] [--stream] [--no-tools]
  turnengine keys set|clear|list [PROVIDER] [--config PATH]
  turnengine token --client ID [--trusted] [--config PATH]
  turnengine version

Commands:
  serve     Serve the HTTP API until SIGINT/SIGTERM.
  chat      Interactive chat against the local data dir.
  keys      Manage provider API keys in the secrets file.
  token     Print a bearer token signed with the auth.jwt_secret_env secret.
  version   Print build information.

`)
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "config file path (.yaml or .jsonc)")
	return fs, cfgPath
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd(args []string) error {
	fs, cfgPath := newFlagSet("serve")
	listen := fs.String("listen", "", "override server.listen (host:port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	secret, err := jwtSecret(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := httpapi.New(httpapi.Options{
		Logger:    logger,
		Listen:    cfg.Server.Listen,
		Engine:    rt.engine,
		Store:     rt.store,
		Hub:       rt.hub,
		Metrics:   rt.reg,
		Clock:     rt.clk,
		JWTSecret: secret,
		KeepAlive: cfg.Server.SSEKeepAlive.D(),
		Retry:     cfg.Server.SSERetry.D(),
		Version:   Version,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defaultModel, _ := cfg.DefaultModelID()
	printBanner(os.Stdout, bannerOptions{
		Version:  Version,
		Addr:     srv.Addr(),
		DataDir:  cfg.DataDir,
		Model:    defaultModel,
		AuthMode: authMode(secret),
	})
	logger.Info("turnengine started", "version", Version, "data_dir", cfg.DataDir, "storage", cfg.Storage.Driver, "cache", cfg.Cache.Backend)

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Close()
}

func authMode(secret []byte) string {
	if len(secret) > 0 {
		return "bearer"
	}
	return "header"
}

func tokenCmd(args []string) error {
	fs, cfgPath := newFlagSet("token")
	client := fs.String("client", "", "client id (token subject)")
	trusted := fs.Bool("trusted", false, "mark the client as trusted (bypasses admission control)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *client == "" {
		return usageError("--client is required")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	secret, err := jwtSecret(cfg)
	if err != nil {
		return err
	}
	if len(secret) == 0 {
		return usageError("auth.jwt_secret_env is not configured")
	}
	tok, err := httpapi.IssueToken(secret, *client, *trusted)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
