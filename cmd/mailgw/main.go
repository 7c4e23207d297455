// Package main is the entry point for the RustyMail gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/attachstore"
	"github.com/rustymail/mailgw/internal/buildinfo"
	"github.com/rustymail/mailgw/internal/cache"
	"github.com/rustymail/mailgw/internal/config"
	"github.com/rustymail/mailgw/internal/cryptoenv"
	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/eventbus"
	"github.com/rustymail/mailgw/internal/gateway"
	"github.com/rustymail/mailgw/internal/imapsession"
	"github.com/rustymail/mailgw/internal/mcphttp"
	"github.com/rustymail/mailgw/internal/mcpstdio"
	"github.com/rustymail/mailgw/internal/moveengine"
	"github.com/rustymail/mailgw/internal/oauthms"
	"github.com/rustymail/mailgw/internal/outbox"
	"github.com/rustymail/mailgw/internal/pool"
	"github.com/rustymail/mailgw/internal/restapi"
	"github.com/rustymail/mailgw/internal/smtpsend"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "mcp-stdio":
			runStdio(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
				fmt.Printf("  %-12s %s\n", k+":", buildinfo.BuildInfo()[k])
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("RustyMail - Multi-Account IMAP/SMTP Gateway")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve       Start the REST/MCP-HTTP gateway")
	fmt.Println("  mcp-stdio   Serve a single MCP session over stdin/stdout")
	fmt.Println("  version     Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// core bundles everything buildCore wires up and runServe/runStdio
// share: the registry front-ends dispatch through, plus the
// background loops (outbox worker, cache syncer) that need a clean
// shutdown.
type core struct {
	cfg      *config.Config
	gw       *gateway.Gateway
	registry *dispatch.Registry
	syncer   *cache.Syncer
}

func (c *core) shutdown() {
	if c.syncer != nil {
		c.syncer.Stop()
	}
	c.gw.Outbox.Stop()
	c.gw.Pools.CloseAll()
	c.gw.Cache.Close()
}

// buildCore loads config and wires the account registry, connection
// pool, cache, move engine, outbox, and gateway — everything serve
// and mcp-stdio share.
func buildCore(logger *slog.Logger, configPath string) (*core, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, logger, fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, logger, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.Log.Level != "" {
		level, err := config.ParseLogLevel(cfg.Log.Level)
		if err != nil {
			return nil, logger, fmt.Errorf("invalid log.level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, logger, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	var cipher *cryptoenv.Cipher
	if cfg.Encryption.MasterKey != "" {
		cipher = cryptoenv.NewFromHex(cfg.Encryption.MasterKey, logger)
	}

	accounts, err := account.Open(cfg.DataDir, cipher)
	if err != nil {
		return nil, logger, fmt.Errorf("open account registry: %w", err)
	}

	if cfg.IMAP.Host != "" {
		if _, err := accounts.Require("default"); err != nil {
			if err := accounts.Upsert(account.Account{
				ID:     "default",
				IMAP:   account.Endpoint{Host: cfg.IMAP.Host, Port: cfg.IMAP.Port, Username: cfg.IMAP.User, Password: cfg.IMAP.Pass, TLS: true},
				Active: true,
			}); err != nil {
				logger.Warn("failed to seed legacy [imap] account", "error", err)
			}
		}
	}

	store, err := cache.Open(filepath.Join(cfg.DataDir, "mailgw.db"))
	if err != nil {
		return nil, logger, fmt.Errorf("open cache store: %w", err)
	}

	attach, err := attachstore.New(filepath.Join(cfg.DataDir, "attachments"))
	if err != nil {
		return nil, logger, fmt.Errorf("open attachment store: %w", err)
	}

	bus := eventbus.New(100)

	var refresher *oauthms.Refresher
	if cfg.Microsoft.ClientID != "" {
		refresher = oauthms.New(oauthms.Config{
			ClientID: cfg.Microsoft.ClientID, ClientSecret: cfg.Microsoft.ClientSecret, TenantID: cfg.Microsoft.TenantID,
		}, nil)
	}

	refresh := func(ctx context.Context, a account.Account) error {
		if refresher == nil {
			return fmt.Errorf("account %s needs OAuth refresh but no [microsoft] app registration is configured", a.ID)
		}
		tokens, err := refresher.Refresh(ctx, a)
		if err != nil {
			return err
		}
		a.OAuth = tokens
		return accounts.Upsert(a)
	}

	pools := pool.NewManager(accounts, pool.Config{}, refresh, logger)

	moves := moveengine.New(moveengine.NewLog(), logger)

	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(120, time.Minute))

	outboxQueue := outbox.New(store.DB(), smtpSender{}, accounts, poolSentAppender{pools}, bus, logger)
	outboxQueue.Run(15 * time.Second)

	var syncer *cache.Syncer
	if len(accounts.List()) > 0 {
		syncer = cache.NewSyncer(store, poolSessionSource{pools}, 2*time.Minute, logger)
		ids := make([]string, 0, len(accounts.List()))
		for _, a := range accounts.List() {
			ids = append(ids, a.ID)
		}
		go syncer.Run(ids, []string{"INBOX"})
	}

	gw := &gateway.Gateway{
		Accounts: accounts,
		Pools:    pools,
		Cache:    store,
		Moves:    moves,
		Outbox:   outboxQueue,
		Attach:   attach,
		Bus:      bus,
		Logger:   logger,
	}
	gw.Register(reg)

	return &core{cfg: cfg, gw: gw, registry: reg, syncer: syncer}, logger, nil
}

func runServe(logger *slog.Logger, configPath string) {
	c, logger, err := buildCore(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer c.shutdown()
	logger.Info("starting RustyMail gateway", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	var servers []*http.Server

	if c.cfg.REST.Enabled {
		restSrv := restapi.New(c.registry, c.gw.Accounts, c.gw.Attach, c.gw.Bus, c.cfg.API.Key)
		s := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", c.cfg.REST.Host, c.cfg.REST.Port),
			Handler:      restSrv,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		}
		servers = append(servers, s)
		go func() {
			logger.Info("REST listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("REST server failed", "error", err)
			}
		}()
	}

	mcpSrv := mcphttp.New(c.registry, c.gw.Bus, c.cfg.API.Key, logger)
	mcpHTTP := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", c.cfg.SSE.Host, c.cfg.SSE.Port),
		Handler:     mcpSrv,
		ReadTimeout: 30 * time.Second,
		// SSE subscribers hold the connection open indefinitely.
		WriteTimeout: 0,
	}
	servers = append(servers, mcpHTTP)
	go func() {
		logger.Info("MCP-HTTP listening", "addr", mcpHTTP.Addr)
		if err := mcpHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("MCP-HTTP server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	logger.Info("RustyMail stopped")
}

func runStdio(logger *slog.Logger, configPath string) {
	c, logger, err := buildCore(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer c.shutdown()

	srv := mcpstdio.New(c.registry, logger)
	if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("mcp-stdio serve failed", "error", err)
		os.Exit(1)
	}
}

// smtpSender implements outbox.Sender over internal/smtpsend.
type smtpSender struct{}

func (smtpSender) Compose(p outbox.Payload) ([]byte, error) {
	return smtpsend.ComposeMessage(smtpsend.ComposeOptions{
		From: p.From, To: p.To, Cc: p.Cc, Bcc: p.Bcc, Subject: p.Subject, Body: p.Body,
		InReplyTo: p.InReplyTo, References: p.References,
	})
}

func (smtpSender) Send(ctx context.Context, ep account.Endpoint, oauth account.OAuthTokens, from string, recipients []string, msg []byte) error {
	return smtpsend.Send(ctx, ep, oauth, from, recipients, msg)
}

// poolSessionSource adapts *pool.Manager to cache.SessionSource.
type poolSessionSource struct {
	pools *pool.Manager
}

func (p poolSessionSource) Acquire(ctx context.Context, accountID string) (*imapsession.Session, func(), error) {
	pl, err := p.pools.For(accountID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := pl.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sess, func() { pl.Release(sess) }, nil
}

// poolSentAppender lets the outbox worker save a delivered message
// into an account's IMAP Sent folder via the same connection pool
// every other IMAP operation goes through.
type poolSentAppender struct {
	pools *pool.Manager
}

func (p poolSentAppender) AppendSent(ctx context.Context, accountID, folder string, raw []byte) error {
	pl, err := p.pools.For(accountID)
	if err != nil {
		return err
	}
	sess, err := pl.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pl.Release(sess)
	return sess.AppendMessage(ctx, folder, raw, nil)
}
