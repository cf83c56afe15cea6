// Command tracelet runs the reference traceroute algorithm instance over
// the probe-lifecycle engine. CLI shape grounded on the teacher's cobra
// root-command-plus-flags convention (e.g.
// controlplane/internet-latency-collector/cmd/collector/main.go) and its
// promhttp metrics-server goroutine
// (controlplane/telemetry/cmd/telemetry/main.go).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/tracelet/internal/algo/traceroute"
	"github.com/malbeclabs/tracelet/internal/engine"
	"github.com/malbeclabs/tracelet/internal/engine/packet"
	"github.com/malbeclabs/tracelet/internal/engine/sniff"
	"github.com/malbeclabs/tracelet/internal/metrics"
)

// Exit codes (spec §6 "Exit codes (if wrapped in a CLI)").
const (
	exitSuccess           = 0
	exitUsageError        = 1
	exitRuntimeError      = 2
	exitDestinationGapped = 3
)

var (
	minTTL      int
	maxTTL      int
	numProbes   int
	timeout     time.Duration
	iface       string
	logLevel    string
	metricsAddr string
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if _, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, err)
			return exitUsageError
		}
		return exitRuntimeError
	}
	return exitCode
}

// exitCode is set by the printEvent sink runTraceroute installs so main can distinguish "ran fine but
// gap-stopped before reaching the destination" from full success without
// cobra's RunE forcing everything through a single error path.
var exitCode = exitSuccess

type usageError struct{ error }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracelet <target>",
		Short: "Trace the path to a target host using ICMP probes",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError{fmt.Errorf("expected exactly one target argument")}
			}
			return nil
		},
		RunE: runTraceroute,
	}
	cmd.Flags().IntVar(&minTTL, "min-ttl", 1, "starting TTL")
	cmd.Flags().IntVar(&maxTTL, "max-ttl", 30, "maximum TTL before giving up")
	cmd.Flags().IntVar(&numProbes, "num-probes", 3, "probes sent per hop")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "per-probe reply timeout")
	cmd.Flags().StringVar(&iface, "interface", "", "egress interface (required)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	return cmd
}

func runTraceroute(cmd *cobra.Command, args []string) error {
	log := newLogger(logLevel)

	dstIP := net.ParseIP(args[0]).To4()
	if dstIP == nil {
		resolved, err := net.ResolveIPAddr("ip4", args[0])
		if err != nil {
			return usageError{fmt.Errorf("resolve target %q: %w", args[0], err)}
		}
		dstIP = resolved.IP.To4()
	}
	if iface == "" {
		return usageError{fmt.Errorf("--interface is required")}
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	if metricsAddr != "" {
		serveMetrics(log, metricsAddr, reg)
	}

	sniffer, err := sniff.New(sniff.Config{Interface: iface, Logger: log})
	if err != nil {
		return usageError{fmt.Errorf("configure sniffer: %w", err)}
	}

	eng, err := engine.New(engine.Config{
		Logger:      log,
		PacketLayer: packet.ICMPLayer{},
		Sniffer:     sniffer,
		Family:      unix.AF_INET,
		Protocol:    unix.IPPROTO_ICMP,
		Interface:   iface,
		Timeout:     timeout,
		Metrics:     collectors,
		Sink:        printEvent(log),
	})
	if err != nil {
		log.Error("failed to create engine", "error", err)
		return fmt.Errorf("engine init: %w", err)
	}

	traceroute.New(eng, uint16(os.Getpid()&0xffff))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Run() }()

	_, err = eng.RunInstance(traceroute.Name, &traceroute.Options{
		MinTTL:    minTTL,
		MaxTTL:    maxTTL,
		NumProbes: numProbes,
		DstIP:     dstIP,
	}, nil)
	if err != nil {
		_ = eng.Stop()
		log.Error("failed to start traceroute", "error", err)
		return fmt.Errorf("run_instance: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = eng.Stop()
	case err := <-done:
		if err != nil {
			log.Error("engine stopped with error", "error", err)
			return fmt.Errorf("run: %w", err)
		}
	}
	return nil
}

// printEvent is the engine-level Sink: instance-defined events from
// root instances (no Caller) land here. The reference CLI just logs them;
// a richer consumer would render a table (supplemental feature, not
// required by the core engine).
func printEvent(log *slog.Logger) func(origin *engine.Instance, ev engine.Event) {
	return func(origin *engine.Instance, ev engine.Event) {
		switch ev.Name {
		case "hop":
			if hop, ok := ev.Payload.(traceroute.Hop); ok {
				fmt.Printf("%2d  %-15s  (attempt %d)\n", hop.TTL, displaySource(hop.Source), hop.Attempt)
			}
		case traceroute.EventDestinationReached:
			if s, ok := ev.Payload.(traceroute.Summary); ok {
				log.Info("destination reached", "final_ttl", s.FinalTTL, "probes_sent", s.TotalProbesSent)
			}
		case traceroute.EventMaxTTLReached:
			if s, ok := ev.Payload.(traceroute.Summary); ok {
				log.Warn("gave up without reaching destination", "final_ttl", s.FinalTTL, "probes_sent", s.TotalProbesSent)
				exitCode = exitDestinationGapped
			}
		}
	}
}

func displaySource(src string) string {
	if src == "" {
		return "*"
	}
	return src
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start metrics listener", "error", err)
			return
		}
		log.Info("prometheus metrics listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.Serve(listener, mux); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
