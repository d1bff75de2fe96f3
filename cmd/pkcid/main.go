// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command pkcid is the hypervisor-host DHCP reconciliation supervisor: it
// watches a directory of per-VM network descriptors and keeps one
// namespaced Kea DHCPv4 server running per broadcast domain those
// descriptors declare.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/vmnet/pkci/httpapi"
	"github.com/vmnet/pkci/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		descriptorDir = flag.String("descriptor-dir", "/etc/pve/local/qemu-server", "directory of per-VM network descriptor files")
		workerDir     = flag.String("worker-dir", "/etc/pkci", "root directory for per-worker runtime state")
		listen        = flag.String("listen", ":8080", "HTTP status surface bind address")
		dhcpBinary    = flag.String("dhcp-binary", "kea-dhcp4", "DHCPv4 server binary invoked inside each worker's namespace")
		logLevel      = flag.String("log-level", envOr("PKCI_LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error)")
		logJSON       = flag.Bool("log-json", false, "emit JSON-formatted logs")
		pollInterval  = flag.Duration("poll-interval", 0, "time between ticks (e.g. 30s); overrides VM_CHECK_POLL when set, which remains the authoritative source per spec.md §6")
	)
	flag.Parse()

	interval := *pollInterval
	if interval <= 0 {
		var err error
		interval, err = pollIntervalFromEnv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "pkcid",
		Level:      hclog.LevelFromString(*logLevel),
		JSONFormat: *logJSON,
	})

	sup := supervisor.New(supervisor.Config{
		DescriptorDir: *descriptorDir,
		WorkerDir:     *workerDir,
		DHCPBinary:    *dhcpBinary,
		Logger:        logger,
	})

	server := httpapi.New(sup, logger)

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("failed to bind HTTP status surface", "address", *listen, "error", err)
		return 1
	}

	httpServer := &http.Server{Handler: server}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status surface listening", "address", listener.Addr().String())
		errCh <- httpServer.Serve(listener)
	}()

	go sup.Run(ctx, interval)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP status surface failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	// Give the supervisor's own ctx-triggered worker teardown a moment to
	// finish; Run's shutdown path blocks on it but Run itself was launched
	// in a goroutine we do not join here, so this bounds total exit time.
	<-time.After(100 * time.Millisecond)

	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// pollIntervalFromEnv reads VM_CHECK_POLL (seconds), defaulting to 30 per
// spec.md §6.
func pollIntervalFromEnv() (time.Duration, error) {
	raw := envOr("VM_CHECK_POLL", "30")
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid VM_CHECK_POLL %q: must be a positive integer number of seconds", raw)
	}
	return time.Duration(seconds) * time.Second, nil
}
