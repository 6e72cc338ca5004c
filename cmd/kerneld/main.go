// Command kerneld is the compute kernel daemon: it accepts websocket
// connections, greets each with a hello event, and runs submitted Python
// source in an isolated child interpreter per the Session protocol.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/deepinsight/kernel/config"
	"github.com/deepinsight/kernel/session"
	"github.com/deepinsight/kernel/supervisor"
	"github.com/deepinsight/kernel/telemetry"
	"github.com/deepinsight/kernel/transport/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var (
		addr       string
		socketPath string
		debug      bool
		cfgPath    string
	)

	root := &cobra.Command{
		Use:     "kerneld",
		Short:   "Compute kernel daemon: runs submitted code in an isolated interpreter",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketPath = socketPath
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&addr, "addr", ":8765", "HTTP listen address for websocket connections")
	root.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "additional Unix socket path (optional)")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().StringVar(&cfgPath, "config", "", "path to a kerneld config file")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(cfg config.Config) error {
	log := logrus.New()
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := log.WithField("component", "kerneld")

	pythonExe, err := supervisor.PythonExecutable()
	if err != nil {
		entry.WithError(err).Warn("no python interpreter found on PATH; runs will fail until one is installed")
	}

	probe := telemetry.NewProbe(entry.WithField("component", "telemetry"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Upgrade(w, r)
		if err != nil {
			entry.WithError(err).Warn("websocket upgrade failed")
			return
		}
		sess := session.New(conn, entry, systemInfoSnapshot, probe, session.Config{
			DefaultTimeout: cfg.DefaultTimeout,
			HwTickInterval: cfg.HwTickInterval,
			TerminateGrace: cfg.TerminateGrace,
		})
		if err := sess.Serve(pythonExe, pythonExe); err != nil {
			entry.WithError(err).Debug("session ended")
		}
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	var unixLn net.Listener
	if cfg.SocketPath != "" {
		_ = os.Remove(cfg.SocketPath)
		unixLn, err = net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("binding unix socket %s: %w", cfg.SocketPath, err)
		}
		go func() {
			if err := http.Serve(unixLn, mux); err != nil {
				entry.WithError(err).Debug("unix listener stopped")
			}
		}()
		entry.WithField("socket", cfg.SocketPath).Info("listening on unix socket")
	}

	tcpLn, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Addr, err)
	}
	go func() {
		if err := srv.Serve(tcpLn); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("http server failed")
		}
	}()
	entry.WithField("addr", cfg.Addr).Info("kerneld listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	entry.WithField("signal", sig.String()).Info("shutting down")

	if unixLn != nil {
		_ = unixLn.Close()
	}
	return srv.Close()
}

func systemInfoSnapshot() interface{} {
	return map[string]interface{}{
		"hostname":   hostname(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"go_version": runtime.Version(),
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func defaultSocketPath() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg + "/kerneld.sock"
	}
	return ""
}
