/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/sprt/lossless-transport/internal/rudp/clock"
	"github.com/sprt/lossless-transport/internal/rudp/config"
	"github.com/sprt/lossless-transport/internal/rudp/sender"
	"github.com/sprt/lossless-transport/internal/rudp/stats"
	"github.com/sprt/lossless-transport/internal/rudp/transport"
)

func main() {
	var (
		file          string
		configFile    string
		metricsPort   int
		metricsFormat string
		logLevel      string
	)

	flag.StringVar(&file, "f", "", "read the data to send from this file instead of stdin")
	flag.StringVar(&configFile, "config", "", "path to a YAML config overriding the protocol tunables")
	flag.IntVar(&metricsPort, "metrics-port", 0, "if nonzero, serve stats on this port")
	flag.StringVar(&metricsFormat, "metrics-format", "", "json or prometheus (overrides the config file)")
	flag.StringVar(&logLevel, "loglevel", "warning", "log level: debug, info, warning, error")
	flag.Parse()

	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", logLevel)
	}

	args := flag.Args()
	if len(args) != 2 {
		log.Fatalf("usage: %s [flags] <hostname> <port>", os.Args[0])
	}
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		log.Fatalf("invalid port %q", args[1])
	}

	cfg := config.Defaults()
	if configFile != "" {
		loaded, err := config.ReadFile(configFile)
		if err != nil {
			log.Fatalf("reading config: %v", err)
		}
		cfg = *loaded
	}
	if metricsFormat != "" {
		cfg.MetricsFormat = metricsFormat
	}
	if metricsPort != 0 {
		cfg.MetricsPort = metricsPort
	}

	var input io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			log.Fatalf("opening %s: %v", file, err)
		}
		defer f.Close()
		input = f
	}

	addr, err := transport.Resolve(host, port)
	if err != nil {
		log.Fatal(err)
	}
	conn, err := transport.Dial(addr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	st := stats.New()

	// The stats server runs for as long as the process does, independent
	// of whether the transfer itself succeeds; it is not joined.
	if cfg.MetricsPort != 0 {
		go func() {
			var err error
			switch cfg.MetricsFormat {
			case "prometheus":
				err = stats.NewPrometheusServer(st).ListenAndServe(cfg.MetricsPort)
			default:
				err = (&stats.JSONServer{Stats: st}).ListenAndServe(cfg.MetricsPort)
			}
			log.WithError(err).Warn("stats server exited")
		}()
	}

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf("sd_notify not available: %v", err)
	} else if supported {
		log.Debug("notified systemd of readiness")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := sender.New(conn, input, clock.NewMonotonic(), cfg, st)
	if err := s.Run(ctx); err != nil {
		log.Fatal(fmt.Errorf("rudp-send: %w", err))
	}
}
