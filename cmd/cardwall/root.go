// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cardwall "github.com/ZaparooProject/go-cardwall"
	"github.com/ZaparooProject/go-cardwall/internal/metrics"
)

const envPrefix = "CARDWALL"

// settings is everything the commands read from flags, CARDWALL_* variables
// and the optional config file.
type settings struct {
	Device       string        `mapstructure:"device"`
	Transport    string        `mapstructure:"transport"`
	DetectMode   string        `mapstructure:"detect-mode"`
	LogDir       string        `mapstructure:"log-dir"`
	Store        string        `mapstructure:"store"`
	MetricsAddr  string        `mapstructure:"metrics-addr"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	Simulate     bool          `mapstructure:"simulate"`
	Debug        bool          `mapstructure:"debug"`
	LogFile      bool          `mapstructure:"log-file"`
	StrongBox    bool          `mapstructure:"strongbox"`
}

var (
	cfgFile string
	v       *viper.Viper
	current *settings
)

// newRootCmd builds the command tree. Each call returns fresh flags.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cardwall",
		Short: "Health card unlock and authentication over a PN532 reader",
		Long: `cardwall talks to an electronic health card through a PN532 NFC reader.

It can unlock the card (change PIN, reset the retry counter), log in with the
card, pair a device key with it and log in with that device key.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("device", "", "reader device path (auto-detect if empty)")
	flags.String("transport", "", "reader transport: uart, i2c or spi (guessed from the path if empty)")
	flags.String("detect-mode", "safe", "auto-detection mode: passive, safe or full")
	flags.String("store", "cardwall-keys.db", "device key store file")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("log-dir", "", "directory for the session log")
	flags.Duration("timeout", 2*time.Minute, "give up on the run after this long")
	flags.Duration("poll-interval", 100*time.Millisecond, "pause between reader polls")
	flags.Bool("simulate", false, "use a simulated reader with a virtual health card")
	flags.Bool("debug", false, "enable debug output")
	flags.Bool("log-file", false, "write debug output to a session log file")
	flags.Bool("strongbox", false, "prefer the hardened key store backend")

	root.AddCommand(newUnlockCmd(), newLoginCmd(), newPairCmd(), newSecureElementLoginCmd(), newDetectCmd())
	return root
}

// loadSettings merges defaults, the config file, the environment and flags.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	v = viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}

func setup(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	current = s

	cardwall.SetDebugEnabled(s.Debug)
	if s.LogFile {
		path, err := cardwall.InitSessionLog(s.LogDir)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Session log: %s\n", path)
	}

	if s.MetricsAddr != "" {
		metrics.Enable()
		serveMetrics(s.MetricsAddr)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cardwall.Debugf("metrics server: %v", err)
		}
	}()
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	_ = cardwall.CloseSessionLog()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
