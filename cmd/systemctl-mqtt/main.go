/*
SPDX-FileCopyrightText: Copyright systemctl-mqtt contributors
SPDX-License-Identifier: Apache-2.0

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

// Command systemctl-mqtt bridges org.freedesktop.login1 and
// org.freedesktop.systemd1 over the system D-Bus to an MQTT broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/dbusconn"
	"github.com/fphammerle/systemctl-mqtt/internal/login1"
	"github.com/fphammerle/systemctl-mqtt/internal/metrics"
	"github.com/fphammerle/systemctl-mqtt/internal/supervisor"
	"github.com/fphammerle/systemctl-mqtt/internal/systemd1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "systemctl-mqtt:", err)
		os.Exit(1)
	}
}

func run() error {
	fs, raw := config.FlagSet("systemctl-mqtt")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(raw)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	zapLog, err := newZapLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer zapLog.Sync() //nolint:errcheck // best-effort flush on exit

	log := zapr.NewLogger(zapLog).WithName("systemctl-mqtt")
	ctrllog.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	conn, err := dbusconn.Dial()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	loginMgr := login1.New(conn, log)
	svcMgr := systemd1.New(conn, log)

	if addr := cfg.MetricsListenAddress; addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(err, "metrics listener stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sup := supervisor.New(cfg, loginMgr, svcMgr, conn, log)

	if ok, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		log.Info("sd_notify READY=1 failed", "error", notifyErr)
	} else if !ok {
		log.Info("not running under a systemd notify-aware unit, skipping sd_notify")
	}

	runErr := sup.Run(ctx)

	if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyStopping); notifyErr != nil {
		log.Info("sd_notify STOPPING=1 failed", "error", notifyErr)
	}
	return runErr
}

// newZapLogger builds the process logger: console or JSON encoding per
// --log-format, gated at --log-level, additionally mirrored to the
// journal when the systemd journal socket is reachable (journal.Enabled)
// so structured fields survive even when a unit's StandardOutput
// isn't journal.
func newZapLogger(level, format string) (*zap.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)
	if journal.Enabled() {
		core = zapcore.NewTee(core, journalCore{level: zapLevel})
	}
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "critical":
		// zap has no level above error; critical is the most severe
		// level this daemon ever emits via logr.Error.
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// journalCore mirrors log entries to the systemd journal via sd_journal_send,
// independent of whatever stdout/stderr encoding the primary core uses.
type journalCore struct {
	level zapcore.Level
}

func (j journalCore) Enabled(lvl zapcore.Level) bool { return lvl >= j.level }
func (j journalCore) With([]zapcore.Field) zapcore.Core { return j }
func (j journalCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if j.Enabled(ent.Level) {
		return ce.AddCore(ent, j)
	}
	return ce
}

func (j journalCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	vars := make(map[string]string, len(enc.Fields)+1)
	vars["SYSLOG_IDENTIFIER"] = "systemctl-mqtt"
	for k, v := range enc.Fields {
		vars[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return journal.Send(ent.Message, journalPriority(ent.Level), vars)
}

func (j journalCore) Sync() error { return nil }

func journalPriority(lvl zapcore.Level) journal.Priority {
	switch lvl {
	case zapcore.DebugLevel:
		return journal.PriDebug
	case zapcore.InfoLevel:
		return journal.PriInfo
	case zapcore.WarnLevel:
		return journal.PriWarning
	case zapcore.ErrorLevel:
		return journal.PriErr
	default:
		return journal.PriCrit
	}
}
