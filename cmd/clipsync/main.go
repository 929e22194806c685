package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/pairing"
	"github.com/clipsync/clipsync/pkg/clipsync"
	"github.com/clipsync/clipsync/pkg/types"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if len(os.Args) == 1 {
		runDaemon(false, false, "", "")
		return
	}

	cmd := os.Args[1]
	switch cmd {
	case "run":
		runDaemon(false, false, "", "")
	case "pair":
		public := len(os.Args) > 2 && os.Args[2] == "--public"
		runDaemon(true, public, "", "")
	case "join":
		if len(os.Args) < 3 {
			fmt.Println("Error: pairing code or address required")
			fmt.Println("Usage: clipsync join '<PAIRING-CODE>'")
			os.Exit(1)
		}
		runJoin(os.Args[2])
	case "relay":
		if len(os.Args) < 3 {
			fmt.Println("Error: room id required")
			fmt.Println("Usage: clipsync relay <room> [password]")
			os.Exit(1)
		}
		password := ""
		if len(os.Args) > 3 {
			password = os.Args[3]
		}
		runDaemon(false, false, os.Args[2], password)
	case "config":
		path, err := config.DefaultPath()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		showConfig(path)
	case "version", "--version", "-v":
		fmt.Printf("clipsync version %s\n", Version)
	case "help", "-h", "--help":
		showUsage()
	default:
		// A pasted pairing code works without the join keyword.
		if isPairTarget(cmd) {
			runJoin(cmd)
			return
		}
		fmt.Printf("Error: unknown command '%s'\n\n", cmd)
		showUsage()
		os.Exit(1)
	}
}

// isPairTarget reports whether the argument looks like a pairing code or a
// host:port rather than a command name.
func isPairTarget(s string) bool {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return true
	}
	host, port, found := strings.Cut(s, ":")
	return found && host != "" && port != "" && !strings.ContainsAny(port, ":/")
}

// registerHooks prints engine events a user at the terminal cares about.
func registerHooks(client *clipsync.Client) {
	client.OnPaired = func(d types.Device) {
		fmt.Printf("Paired with %s (%s)\n", d.Name, d.ID)
	}
	client.OnPairRequest = func(d types.Device) {
		fmt.Printf("Pairing request from %s (%s) held for approval.\n", d.Name, d.ID)
		fmt.Println("Set auto_accept_devices in the config to accept devices automatically.")
	}
	client.OnConfirmRequired = func(c types.ClipboardContent) {
		fmt.Printf("Held %s content: require_confirmation is enabled.\n", c.Type)
	}
}

func runDaemon(showQR, public bool, relayRoom, relayPassword string) {
	logger := newLogger()
	defer logger.Sync()

	client, err := clipsync.NewClient(&clipsync.Config{
		Logger:      logger,
		WatchConfig: true,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	registerHooks(client)

	if err := client.Start(); err != nil {
		fmt.Printf("Error starting sync: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Printf("clipsync %s - %s (%s)\n", Version, client.DeviceName(), client.DeviceID())
	fmt.Printf("Listening on port %d\n", client.Port())

	code, err := client.PairingCode(public)
	if err != nil {
		fmt.Printf("Error generating pairing code: %v\n", err)
		os.Exit(1)
	}
	if showQR {
		if p, err := pairing.Parse(code); err == nil {
			if art, err := pairing.Terminal(p); err == nil {
				fmt.Println()
				fmt.Println(art)
			}
		}
	}
	fmt.Printf("Pair with: %s\n", code)

	if showQR {
		if url, err := client.StartPairingServer(0); err == nil {
			fmt.Printf("Or open %s in a browser on the other device\n", url)
		}
	}

	if relayRoom != "" {
		if err := client.JoinRelay(relayRoom, relayPassword); err != nil {
			fmt.Printf("Warning: relay join failed: %v\n", err)
		} else {
			fmt.Printf("Joined relay room '%s'\n", relayRoom)
		}
	}

	fmt.Println()
	fmt.Println("Syncing clipboard in real-time...")
	fmt.Println("Press Ctrl+C to stop")
	waitForSignal()

	fmt.Println("Stopping...")
}

func runJoin(target string) {
	logger := newLogger()
	defer logger.Sync()

	client, err := clipsync.NewClient(&clipsync.Config{
		Logger:      logger,
		WatchConfig: true,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	registerHooks(client)

	if err := client.Start(); err != nil {
		fmt.Printf("Error starting sync: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println("Pairing...")
	if _, err := client.Pair(target); err != nil {
		fmt.Printf("Error pairing: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Syncing clipboard in real-time...")
	fmt.Println("Press Ctrl+C to stop")
	waitForSignal()

	fmt.Println("Stopping...")
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

func showConfig(path string) {
	s, err := config.Load(path)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("clipsync Configuration")
	fmt.Println("======================")
	fmt.Printf("Config file: %s\n", path)
	fmt.Printf("Device name: %s\n", s.DeviceName)
	fmt.Printf("Auto sync: %t\n", s.AutoSync)
	fmt.Printf("Sync text: %t\n", s.SyncText)
	fmt.Printf("Sync images: %t\n", s.SyncImages)
	fmt.Printf("Sync files: %t\n", s.SyncFiles)
	fmt.Printf("Require confirmation: %t\n", s.RequireConfirmation)
	fmt.Printf("Max size (MB): %d\n", s.MaxSizeMB)
	fmt.Printf("Auto accept devices: %t\n", s.AutoAcceptDevices)
	fmt.Printf("Poll interval (ms): %d\n", s.PollIntervalMS)
	fmt.Printf("Relay enabled: %t\n", s.EnableRelay)
	fmt.Printf("Relay server: %s\n", s.RelayServer)
	if len(s.ExcludedApps) > 0 {
		fmt.Println("Excluded apps:")
		for _, app := range s.ExcludedApps {
			fmt.Printf("  - %s\n", app)
		}
	}
	if len(s.TrustedNetworks) > 0 {
		fmt.Println("Trusted networks:")
		for _, n := range s.TrustedNetworks {
			fmt.Printf("  - %s\n", n)
		}
	}
	fmt.Println()
	fmt.Println("Edits apply to a running clipsync without a restart.")
}

func showUsage() {
	fmt.Println("clipsync - Your clipboard, on every device, encrypted end-to-end")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  clipsync                       # Start syncing (same as 'run')")
	fmt.Println("  clipsync run                   # Start syncing this device's clipboard")
	fmt.Println("  clipsync pair [--public]       # Start syncing and show a QR pairing code")
	fmt.Println("  clipsync join '<CODE>'         # Pair with another device and start syncing")
	fmt.Println("  clipsync relay <room> [pass]   # Sync through a relay room (works across networks)")
	fmt.Println("  clipsync config                # Show current configuration")
	fmt.Println("  clipsync version               # Show version")
	fmt.Println("  clipsync help                  # Show this help")
	fmt.Println()
	fmt.Println("QUICK START - SYNC BETWEEN 2 DEVICES:")
	fmt.Println()
	fmt.Println("  Device 1:")
	fmt.Println("    1. clipsync pair")
	fmt.Println("    2. Copy the 'Pair with:' code that appears")
	fmt.Println()
	fmt.Println("  Device 2:")
	fmt.Println("    1. clipsync join '<CODE>'      # Paste the code from Device 1")
	fmt.Println("    2. Copy something - it appears on Device 1!")
	fmt.Println()
	fmt.Println("  On the same network, devices find each other automatically.")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  clipsync                       # Sync with already-paired devices")
	fmt.Println("  clipsync join 192.168.1.5:8765 # Pair by address instead of code")
	fmt.Println("  clipsync pair --public         # Pairing code that works across networks")
	fmt.Println("  clipsync relay team-room s3cret # Encrypted relay room")
	fmt.Println()
	fmt.Println("CONFIGURATION (~/.clipsync/config.json):")
	fmt.Println("  auto_sync              - Sync clipboard changes automatically")
	fmt.Println("  sync_text/images/files - Which content types to sync")
	fmt.Println("  require_confirmation   - Hold sensitive content until confirmed")
	fmt.Println("  max_size_mb            - Skip content larger than this")
	fmt.Println("  auto_accept_devices    - Accept pairing requests without approval")
	fmt.Println()
	fmt.Println("FEATURES:")
	fmt.Println("  - Real-time clipboard sync: text, images, more")
	fmt.Println("  - End-to-end encrypted, keys never leave your devices")
	fmt.Println("  - Automatic device discovery on local networks")
	fmt.Println("  - Relay rooms for syncing across networks")
	fmt.Println("  - No accounts, no cloud storage")
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if os.Getenv("CLIPSYNC_DEBUG") != "" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
