package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/handlers"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/middleware"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshconn"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/gluk-w/sshdeck/internal/sshmanager"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--validate-hosts":
			os.Exit(runCLICommand("validate-hosts", os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
		case "--encrypt-password":
			os.Exit(runCLICommand("encrypt-password", os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
		case "--generate-key":
			os.Exit(runCLICommand("generate-key", os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor, err := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	handlers.Auditor = auditor
	purgeCron, err := auditor.ScheduleRetention(config.Cfg.AuditPurgeSchedule)
	if err != nil {
		log.Fatalf("Audit retention: %v", err)
	}

	policy, err := sshevents.ParsePolicy(config.Cfg.EventPolicy)
	if err != nil {
		log.Fatalf("Event bus: %v", err)
	}
	bus := sshevents.NewBus(config.Cfg.EventBuffer, policy)
	hub := handlers.NewHub()
	handlers.EventBus = bus
	handlers.EventsHub = hub
	pumpDone := pumpEvents(bus, auditor, hub)

	hostKeys, err := sshkeys.NewHostKeyPolicy(config.Cfg.HostKeyPolicy, config.Cfg.KnownHosts)
	if err != nil {
		log.Fatalf("Host key policy: %v", err)
	}
	registry := sshmanager.NewConnectionManager(bus, sshconn.Options{
		HostKeyPolicy:     hostKeys,
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		InactivityTimeout: config.Cfg.InactivityTimeout,
		ScrollbackBytes:   config.Cfg.ScrollbackBytes,
	})
	handlers.Registry = registry
	log.Printf("Connection registry initialized (host keys=%s, connect timeout=%s, keepalive=%s, inactivity=%s, events=%d/%s)",
		hostKeys.Name(), config.Cfg.ConnectTimeout, config.Cfg.KeepaliveInterval,
		config.Cfg.InactivityTimeout, config.Cfg.EventBuffer, policy)

	if path := config.Cfg.HostsFile; path != "" {
		if err := seedHosts(registry, path); err != nil {
			log.Printf("WARNING: hosts file: %v", err)
		}
	}

	allowed, err := middleware.ParseIPRestrictions(config.Cfg.AllowedClients)
	if err != nil {
		log.Fatalf("Allowed clients: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.RestrictClients(allowed))

	// Health (no prefix, for liveness checks)
	r.Get("/health", handlers.HealthCheck)
	r.Route("/api/v1", handlers.RegisterRoutes)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// open websockets end when the hub closes
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := registry.CloseAll(shutdownCtx); err != nil {
		log.Printf("Connection registry shutdown: %v", err)
	}
	bus.Close()
	<-pumpDone
	<-purgeCron.Stop().Done()
	log.Println("Server stopped")
}

// pumpEvents is the single consumer of the bus. Every event goes to the audit
// log and to websocket subscribers.
func pumpEvents(bus *sshevents.Bus, auditor *sshaudit.Auditor, hub *handlers.Hub) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range bus.Events() {
			if _, err := auditor.Record(ev); err != nil {
				log.Printf("[events] audit %s: %v", ev, err)
			}
			hub.Publish(ev)
		}
	}()
	return done
}

func seedHosts(registry *sshmanager.ConnectionManager, path string) error {
	hosts, err := config.LoadHosts(path)
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(config.Cfg.FernetKey)
	if err != nil {
		return err
	}
	res := registry.LoadHosts(hosts, sealer.Reveal)
	for _, err := range res.Errors {
		log.Printf("WARNING: hosts file %s: %v", path, err)
	}
	return nil
}

// runCLICommand runs one of the offline commands and returns the exit code.
func runCLICommand(command string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fernetKey := fs.String("key", os.Getenv("SSHDECK_FERNET_KEY"), "Fernet key (defaults to $SSHDECK_FERNET_KEY)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	switch command {
	case "validate-hosts":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: sshdeck --validate-hosts [--key <fernet key>] <hosts.yaml>")
			return 2
		}
		return validateHosts(fs.Arg(0), *fernetKey, stdout, stderr)

	case "encrypt-password":
		sealer, err := crypto.NewSealer(*fernetKey)
		if err != nil {
			fmt.Fprintf(stderr, "Invalid key: %v\n", err)
			return 1
		}
		password, err := readPassword(fs.Args(), stdin)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to read password: %v\n", err)
			return 1
		}
		tok, err := sealer.Encrypt(password)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to encrypt: %v (set SSHDECK_FERNET_KEY or --key)\n", err)
			return 1
		}
		fmt.Fprintln(stdout, tok)
		return 0

	case "generate-key":
		key, err := crypto.GenerateKey()
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, key)
		return 0
	}
	fmt.Fprintf(stderr, "unknown command %q\n", command)
	return 2
}

// readPassword takes the password from the first argument, or the first line
// of stdin.
func readPassword(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

// validateHosts prints every problem of every entry of a hosts file. Returns 1
// when any entry is invalid.
func validateHosts(path, fernetKey string, stdout, stderr io.Writer) int {
	hosts, err := config.LoadHosts(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	sealer, err := crypto.NewSealer(fernetKey)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid key: %v\n", err)
		return 1
	}

	invalid := 0
	for i, h := range hosts {
		label := fmt.Sprintf("hosts[%d] %q", i, h.Name)
		cfg, err := sshconn.FromHostEntry(h, sealer.Reveal)
		if err != nil {
			fmt.Fprintf(stdout, "%s: %v\n", label, err)
			invalid++
			continue
		}
		errs := cfg.Validate()
		for _, e := range errs {
			fmt.Fprintf(stdout, "%s: %s: %s\n", label, e.Field, e.Message)
		}
		if len(errs) > 0 {
			invalid++
		}
	}
	fmt.Fprintf(stdout, "%d hosts, %d invalid\n", len(hosts), invalid)
	if invalid > 0 {
		return 1
	}
	return 0
}
