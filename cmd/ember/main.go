package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/ember-chat/ember/internal/config"
	"github.com/ember-chat/ember/internal/credentials"
	"github.com/ember-chat/ember/internal/cryptostore"
	"github.com/ember-chat/ember/internal/logger"
	"github.com/ember-chat/ember/internal/matrix"
)

func main() {
	var (
		userFlag    = flag.String("user", "", "Matrix user ID (defaults to the first stored account)")
		loginFlag   = flag.Bool("login", false, "perform a fresh password login")
		verifyFlag  = flag.String("verify", "", "start SAS verification with the given device ID")
		restoreFlag = flag.Bool("restore", false, "restore sessions from key backup before syncing")
	)
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := buildClient(ctx, cfg, *userFlag, *loginFlag, log)
	if err != nil {
		log.Error("failed to establish session", "err", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(cfg.CryptoDBPath, sanitize(client.UserID()))
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		log.Error("failed to create crypto db directory", "err", err)
		os.Exit(1)
	}
	pickleKey, err := cfg.PickleKeyBytes()
	if err != nil {
		log.Error("invalid pickle key", "err", err)
		os.Exit(1)
	}
	store, err := cryptostore.Open(dbPath, pickleKey)
	if err != nil {
		log.Error("failed to open crypto store", "path", dbPath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	machine, err := matrix.NewMachine(client, store, log)
	if err != nil {
		log.Error("failed to initialise crypto", "err", err)
		os.Exit(1)
	}
	verifier := matrix.NewVerifier(client, machine, log, cfg.AutoVerify)
	backups := matrix.NewBackupManager(client, machine, store, log)
	setup := matrix.NewAutoSetup(client, machine, verifier, log)

	if err := setup.Run(ctx); err != nil {
		log.Error("device setup failed", "err", err)
		os.Exit(1)
	}
	if err := backups.BootstrapCrossSigning(ctx); err != nil {
		log.Warn("cross-signing bootstrap failed", "err", err)
	}

	if *restoreFlag {
		restoreFromBackup(ctx, client, backups, log)
	}
	if cfg.BackupOnStart {
		if version, err := backups.EnsureBackup(ctx); err != nil {
			log.Warn("key backup unavailable", "err", err)
		} else if uploaded, skipped, err := backups.UploadSessions(ctx, version); err != nil {
			log.Warn("backup upload failed", "err", err)
		} else if uploaded > 0 || skipped > 0 {
			log.Info("sessions backed up", "uploaded", uploaded, "skipped", skipped)
		}
	}

	if *verifyFlag != "" {
		txnID, err := verifier.StartVerification(ctx, client.UserID(), *verifyFlag)
		if err != nil {
			log.Error("failed to start verification", "device", *verifyFlag, "err", err)
			os.Exit(1)
		}
		log.Info("verification requested", "device", *verifyFlag, "txn", txnID)
	}

	syncer, err := matrix.NewSyncer(client, machine, verifier, store, log)
	if err != nil {
		log.Error("failed to build syncer", "err", err)
		os.Exit(1)
	}
	syncer.AutoJoin = cfg.AutoJoinInvites
	syncer.OnMessage = func(msg matrix.RoomMessage) {
		log.Info("message", "room", msg.RoomID, "sender", msg.Sender, "type", msg.Type)
	}

	log.Info("sync starting", "user", client.UserID(), "device", client.DeviceID())
	if err := syncer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("sync stopped", "err", err)
		os.Exit(1)
	}
}

func buildClient(ctx context.Context, cfg *config.Config, userID string, forceLogin bool, log *slog.Logger) (*matrix.Client, error) {
	if userID == "" {
		if known := credentials.KnownUsers(); len(known) > 0 {
			userID = known[0]
		}
	}

	if !forceLogin && userID != "" {
		meta, token, err := credentials.LoadSession(userID)
		if err == nil {
			return matrix.NewClient(meta.Homeserver, meta.UserID, meta.DeviceID, token, log)
		}
		log.Info("no stored session, logging in", "user", userID)
	}

	homeserver := cfg.Homeserver
	reader := bufio.NewReader(os.Stdin)
	if homeserver == "" {
		fmt.Print("Homeserver URL: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		homeserver = strings.TrimSpace(line)
	}
	if userID == "" {
		fmt.Print("User ID: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		userID = strings.TrimSpace(line)
	}
	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, err
	}

	client, err := matrix.Login(ctx, homeserver, userID, string(password), "ember", log)
	if err != nil {
		return nil, err
	}

	meta := credentials.SessionMetadata{
		Homeserver: homeserver,
		UserID:     client.UserID(),
		DeviceID:   client.DeviceID(),
	}
	if err := credentials.StoreSession(meta, client.AccessToken()); err != nil {
		log.Warn("failed to store session in keyring", "err", err)
	} else if err := credentials.AddKnownUser(client.UserID()); err != nil {
		log.Warn("failed to record account", "err", err)
	}
	return client, nil
}

func restoreFromBackup(ctx context.Context, client *matrix.Client, backups *matrix.BackupManager, log *slog.Logger) {
	key, err := credentials.LoadRecoveryKey(client.UserID())
	if err != nil {
		fmt.Print("Recovery key: ")
		reader := bufio.NewReader(os.Stdin)
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			log.Error("failed to read recovery key", "err", readErr)
			return
		}
		key = strings.TrimSpace(line)
	}
	restored, skipped, err := backups.Restore(ctx, key)
	if err != nil {
		log.Error("backup restore failed", "err", err)
		return
	}
	log.Info("backup restored", "sessions", restored, "skipped", skipped)
	if storeErr := credentials.StoreRecoveryKey(client.UserID(), key); storeErr != nil {
		log.Warn("failed to store recovery key", "err", storeErr)
	}
}

func sanitize(userID string) string {
	r := strings.NewReplacer("@", "", ":", "_", "/", "_")
	return r.Replace(userID)
}
