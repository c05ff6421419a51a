// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/adminsync/pkg/config"
	"github.com/united-manufacturing-hub/adminsync/pkg/connection"
	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/logger"
	"github.com/united-manufacturing-hub/adminsync/pkg/metrics"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/watchdog"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

// set with -ldflags "-X main.appVersion=..."
var appVersion = constants.DefaultAppVersion

func main() {
	app := &cli.App{
		Name:    "adminsync",
		Usage:   "Real-time sync client for the admin server",
		Version: appVersion,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			watchCmd(),
			getCmd(),
			setCmd(),
			sendCmd(),
			instanceCmd(),
			infoCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every command.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the configuration file",
			EnvVars: []string{"ADMINSYNC_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "Server URL, overrides connection.url",
		},
		&cli.StringFlag{
			Name:  "role",
			Usage: "Client role (web or admin), overrides connection.role",
		},
		&cli.DurationFlag{
			Name:  "ready-timeout",
			Usage: "How long to wait for the connection to become ready",
			Value: 30 * time.Second,
		},
	}
}

// session is a started connection plus everything that has to be torn
// down with it.
type session struct {
	conn *connection.Connection
	log  *zap.SugaredLogger
	stop []func()
}

func (s *session) Close() {
	for i := len(s.stop) - 1; i >= 0; i-- {
		s.stop[i]()
	}
}

// open loads the config, sets up logging, sentry and metrics, then
// connects and waits until the connection is ready.
func open(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	logger.InitializeWith(cfg.Logging.Level, cfg.Logging.Format)
	sentry.InitSentry(appVersion, cfg.Sentry.DSN, true)
	log := logger.For(logger.ComponentCLI)

	s := &session{log: log}

	if cfg.Metrics.Port > 0 {
		server := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.Metrics.Port))
		s.stop = append(s.stop, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Failed to shutdown metrics server: %v", err)
			}
		})
	}

	wdCtx, wdCancel := context.WithCancel(c.Context)
	s.stop = append(s.stop, wdCancel)
	wd := watchdog.New(constants.DefaultWatchdogTick, nil, logger.For(logger.ComponentWatchdog))
	go wd.Start(wdCtx)

	topts := cfg.TransportOptions()
	topts.Logger = logger.For(logger.ComponentTransport)
	t, err := transport.NewWebsocket(topts)
	if err != nil {
		s.Close()
		return nil, err
	}

	opts, err := cfg.ConnectionOptions()
	if err != nil {
		s.Close()
		return nil, err
	}
	opts.Watchdog = wd
	opts.OnStatusChange = func(from, to connection.Status) {
		log.Infow("Status changed", "from", from, "to", to)
	}
	opts.OnError = func(err error) {
		log.Warnw("Connection error", "error", err)
	}
	opts.OnReauthenticate = func() {
		log.Warn("Server asks for a new login, check the credentials")
	}
	opts.OnLog = func(message string) {
		log.Infow("Server log", "message", message)
	}

	conn, err := connection.New(t, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.conn = conn
	s.stop = append(s.stop, func() {
		if err := conn.Close(); err != nil {
			log.Debugf("Failed to close connection: %v", err)
		}
	})

	if err := conn.Start(c.Context); err != nil {
		s.Close()
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(c.Context, c.Duration("ready-timeout"))
	defer cancel()
	if err := conn.WaitReady(readyCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("connection did not become ready: %w", err)
	}
	return s, nil
}

// loadConfig reads --config and lets --url and --role win over the file
// and the environment.
func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.String("config"), config.WithURL(c.String("url")), config.WithRole(c.String("role")))
}

// untilSignal blocks until SIGINT, SIGTERM or the end of ctx.
func untilSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
