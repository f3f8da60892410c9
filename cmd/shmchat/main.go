/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command shmchat is an interactive two-party chat over a named shared
// memory segment. Start one side plain and the other with -c; either may
// start first. Typing "exit" closes the channel for both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shm-channel/internal/logging"
	"github.com/srediag/shm-channel/pkg/health"
	"github.com/srediag/shm-channel/pkg/shm"
)

var logger = logging.Default

type options struct {
	name       string
	responder  bool
	size       int
	timeout    time.Duration
	wait       string
	healthAddr string
	inspect    bool
	unlink     bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("shmchat", flag.ContinueOnError)
	fs.StringVar(&o.name, "name", "shmchat", "segment name, shared by both sides")
	fs.BoolVar(&o.responder, "c", false, "responder: read a message before writing and never unlink")
	fs.IntVar(&o.size, "size", 0, "segment size in bytes when creating it (default $"+shm.EnvSize+" or 4096)")
	fs.DurationVar(&o.timeout, "timeout", 0, "bound on a single wait for the turn (default $"+shm.EnvTimeout+" or 5s)")
	fs.StringVar(&o.wait, "wait", "", "wait strategy: auto, futex or backoff (default $"+shm.EnvWait+" or auto)")
	fs.StringVar(&o.healthAddr, "health-addr", "", "serve /live, /ready and /metrics on this address")
	fs.BoolVar(&o.inspect, "inspect", false, "print the header of an existing segment and exit")
	fs.BoolVar(&o.unlink, "unlink", false, "remove a segment left behind by a killed session and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) config(reg prometheus.Registerer) (*shm.Config, error) {
	role := shm.Initiator
	if o.responder {
		role = shm.Responder
	}
	c, err := shm.ConfigFromEnv(o.name, role)
	if err != nil {
		return nil, err
	}
	if o.size > 0 {
		c.Size = o.size
	}
	if o.timeout > 0 {
		c.Timeout = o.timeout
	}
	if o.wait != "" {
		if c.Wait, err = shm.ParseWaitStrategy(o.wait); err != nil {
			return nil, err
		}
	}
	if reg != nil {
		if c.Metrics, err = shm.NewMetrics(reg); err != nil {
			return nil, err
		}
	}
	return c, shm.VerifyConfig(c)
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		logger.Errorf("shmchat: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options) error {
	if o.inspect || o.unlink {
		c, err := o.config(nil)
		if err != nil {
			return err
		}
		if o.unlink {
			return shm.Unlink(c.Dir, c.Name)
		}
		return inspect(os.Stdout, c.Dir, c.Name)
	}

	var (
		reg *prometheus.Registry
		rr  prometheus.Registerer
	)
	if o.healthAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rr = reg
	}
	c, err := o.config(rr)
	if err != nil {
		return err
	}
	if reg != nil {
		srv, err := serveHealth(o.healthAddr, reg)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	ep, err := shm.Open(ctx, c)
	if err != nil {
		return err
	}
	logger.Infof("joined channel %q as %s, %d byte messages", ep.Name(), ep.Role(), ep.MaxMessage())

	in := readLines(os.Stdin)
	defer in.close()
	return newChat(ep, c.Role, in, os.Stdout).run(ctx)
}

func serveHealth(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listener: %w", err)
	}
	probes := health.NewHandler(reg, "shmchan", nil)
	mux := http.NewServeMux()
	mux.Handle("/live", probes)
	mux.Handle("/ready", probes)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("health server stopped: %v", err)
		}
	}()
	logger.Infof("health and metrics on http://%s", ln.Addr())
	return srv, nil
}
