package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aithena-chat/client-core/internal/bootstrap/coreconfig"
	"aithena-chat/client-core/internal/e2ee"
	"aithena-chat/client-core/internal/platform/privacylog"
	"aithena-chat/client-core/internal/platform/ratelimiter"
	"aithena-chat/client-core/internal/securestore"
	"aithena-chat/client-core/internal/serverkey"
	"aithena-chat/client-core/internal/wire"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for encrypted key storage (optional)")
	serverURL := flag.String("server-url", "", "Chat server base URL override (optional)")
	doInit := flag.Bool("init", false, "Initialize the identity and exit")
	exportMnemonic := flag.Bool("export-mnemonic", false, "Print the identity recovery phrase")
	importMnemonic := flag.String("import-mnemonic", "", "Replace the identity from a recovery phrase")
	showFingerprint := flag.Bool("fingerprint", false, "Print the identity fingerprint")
	encryptConv := flag.String("encrypt", "", "Encrypt stdin for the given conversation id")
	decryptConv := flag.String("decrypt", "", "Decrypt a wire envelope from stdin for the given conversation id")
	flag.Parse()
	if *showVersion {
		fmt.Printf("e2ee-agent version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := coreconfig.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *serverURL != "" {
		cfg.ServerBaseURL = *serverURL
	}

	log := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))

	var backend securestore.Backend
	if cfg.StorageSecret == "" {
		log.Warn("no storage secret configured, keys held in memory only")
		backend = securestore.NewMemoryBackend()
	} else {
		fb, err := securestore.NewFileBackend(cfg.DataDir, cfg.StorageSecret)
		if err != nil {
			fatal(log, "open key storage", err)
		}
		backend = fb
	}
	store := securestore.NewStore(backend, log)

	svc := e2ee.NewService(store, cfg.ServerBaseURL, log,
		serverkey.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}),
		serverkey.WithRateLimiter(ratelimiter.New(cfg.FetchRPS, cfg.FetchBurst, 10*time.Minute)))
	if err := svc.Init(ctx); err != nil {
		fatal(log, "initialize key subsystem", err)
	}
	if svc.EphemeralMode() {
		log.Warn("key storage degraded, identity will not survive restart")
	}

	switch {
	case *importMnemonic != "":
		if err := svc.Identity().ImportMnemonic(ctx, *importMnemonic); err != nil {
			fatal(log, "import mnemonic", err)
		}
		printFingerprint(ctx, svc)
	case *exportMnemonic:
		phrase, err := svc.Identity().Mnemonic(ctx)
		if err != nil {
			fatal(log, "export mnemonic", err)
		}
		fmt.Println(phrase)
	case *showFingerprint:
		printFingerprint(ctx, svc)
	case *encryptConv != "":
		if err := encryptStdin(ctx, svc, *encryptConv); err != nil {
			fatal(log, "encrypt", err)
		}
	case *decryptConv != "":
		if err := decryptStdin(ctx, svc, *decryptConv); err != nil {
			fatal(log, "decrypt", err)
		}
	case *doInit:
		if svc.Identity().ConsumeGeneratedFlag() {
			log.Info("new identity generated")
		}
		printFingerprint(ctx, svc)
	default:
		flag.Usage()
	}
}

func printFingerprint(ctx context.Context, svc *e2ee.Service) {
	fp, err := svc.Identity().Fingerprint(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fingerprint unavailable: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(fp)
}

func encryptStdin(ctx context.Context, svc *e2ee.Service, conversationID string) error {
	plaintext, err := readAllStdin()
	if err != nil {
		return err
	}
	env, err := svc.EncryptMessage(ctx, conversationID, plaintext)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func decryptStdin(ctx context.Context, svc *e2ee.Service, conversationID string) error {
	data, err := readAllStdin()
	if err != nil {
		return err
	}
	env, err := wire.DecodeEnvelope([]byte(strings.TrimSpace(string(data))))
	if err != nil {
		return err
	}
	plaintext, err := svc.DecryptMessage(ctx, conversationID, env)
	if err != nil {
		return err
	}
	os.Stdout.Write(plaintext)
	return nil
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func fatal(log *slog.Logger, what string, err error) {
	log.Error(what+" failed", "error", err)
	os.Exit(1)
}
