package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dirsync/dirsync/internal/config"
	"github.com/dirsync/dirsync/internal/diag"
	"github.com/dirsync/dirsync/internal/discovery"
	"github.com/dirsync/dirsync/internal/echoguard"
	"github.com/dirsync/dirsync/internal/logging"
	"github.com/dirsync/dirsync/internal/registry"
	"github.com/dirsync/dirsync/internal/signature"
	"github.com/dirsync/dirsync/internal/watcher"
)

func main() {
	signatureDir := flag.String("s", "", "path to the signature store directory (default: a \"signatures\" directory under the platform temp dir)")
	flag.StringVar(signatureDir, "signature-dir", "", "path to the signature store directory (default: a \"signatures\" directory under the platform temp dir)")
	broadcastPort := flag.Uint("b", 5000, "UDP presence beacon port")
	flag.UintVar(broadcastPort, "broadcast-port", 5000, "UDP presence beacon port")
	listenPort := flag.Uint("l", 6000, "TCP listen port for peer sessions")
	flag.UintVar(listenPort, "listen-port", 6000, "TCP listen port for peer sessions")
	tunablesPath := flag.String("c", "", "optional YAML tunables overlay file")
	flag.StringVar(tunablesPath, "config", "", "optional YAML tunables overlay file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "json", "log format: json or text")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dirsyncd <monitor_dir> [-s|--signature-dir <path>] [-b|--broadcast-port <port>] [-l|--listen-port <port>] [-c|--config <tunables.yaml>] [--log-level <level>] [--log-format json|text]")
		os.Exit(2)
	}
	monitorDir := flag.Arg(0)

	logger, logCloser := logging.NewLogger(*logLevel, *logFormat, "")
	defer logCloser.Close()

	tunables, err := config.LoadTunables(*tunablesPath)
	if err != nil {
		logger.Error("loading tunables failed", "error", err)
		os.Exit(1)
	}

	sigDir := *signatureDir
	if sigDir == "" {
		sigDir = filepath.Join(os.TempDir(), "signatures")
	}

	cfg := &config.Config{
		MonitorDir:    monitorDir,
		SignatureDir:  sigDir,
		BroadcastPort: uint16(*broadcastPort),
		ListenPort:    uint16(*listenPort),
		LogLevel:      *logLevel,
		LogFormat:     *logFormat,
		Tunables:      tunables,
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("dirsyncd exited with error", "error", err)
		os.Exit(1)
	}
}

// run wires the signature store, peer registry, change watcher and
// discovery beacon together and blocks until SIGTERM or SIGINT. Grounded on
// internal/agent/daemon.go's RunDaemon signal-handling shape.
func run(cfg *config.Config, logger *slog.Logger) error {
	store := signature.NewStore(cfg.SignatureDir, cfg.Tunables.BlockSize)
	if err := store.Init(); err != nil {
		return fmt.Errorf("initializing signature store: %w", err)
	}

	guard := echoguard.New(cfg.Tunables.EchoWindow)
	reg := registry.New(store, guard, cfg.MonitorDir, logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.ListenPort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		if err := reg.Serve(ctx, ln); err != nil {
			logger.Error("registry accept loop exited", "error", err)
		}
	}()

	fsw, err := watcher.New(cfg.MonitorDir, store, guard, reg, cfg.Tunables.ModifyDebounce, logger)
	if err != nil {
		return fmt.Errorf("creating change watcher: %w", err)
	}
	if err := fsw.AddAll(); err != nil {
		return fmt.Errorf("watching %q: %w", cfg.MonitorDir, err)
	}
	go fsw.Run()

	sweep, err := registry.NewSweeper(reg, cfg.Tunables.ReconcileInterval, logger)
	if err != nil {
		return fmt.Errorf("creating reconciliation sweep: %w", err)
	}
	sweep.Start()

	mon := diag.NewSystemMonitor(logger, cfg.SignatureDir)
	mon.Start()

	selfIP, err := localIP()
	if err != nil {
		logger.Warn("determining local ip failed, discovery beacon disabled", "error", err)
	} else {
		beacon := discovery.New(selfIP, cfg.ListenPort, cfg.BroadcastPort, reg, logger)
		go func() {
			if err := beacon.Run(ctx); err != nil {
				logger.Warn("beacon sender exited", "error", err)
			}
		}()
		go func() {
			if err := beacon.Listen(ctx); err != nil {
				logger.Warn("beacon listener exited", "error", err)
			}
		}()
	}

	logger.Info("dirsyncd started",
		"monitor_dir", cfg.MonitorDir,
		"signature_dir", cfg.SignatureDir,
		"listen_port", cfg.ListenPort,
		"broadcast_port", cfg.BroadcastPort,
	)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	cancel()
	ln.Close()
	sweep.Stop()
	mon.Stop()
	fsw.Close()
	reg.Stop()

	return nil
}

// localIP picks this host's outbound-facing address, used both as the
// discovery beacon's advertised address and to recognize (and ignore) our
// own beacon.
func localIP() (string, error) {
	conn, err := net.Dial("udp4", "255.255.255.255:1")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
