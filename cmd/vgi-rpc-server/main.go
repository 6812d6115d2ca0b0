// Copyright The OpenTelemetry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command vgi-rpc-server runs the conformance protocol over HTTP, and
// optionally over a process pipe (stdin/stdout) for subprocess-style
// clients.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/query-farm/vgi-rpc-go/internal/conformance"
	"github.com/query-farm/vgi-rpc-go/pkg/config"
	"github.com/query-farm/vgi-rpc-go/server/httpd"
	"github.com/query-farm/vgi-rpc-go/server/pipe"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	pipeMode := flag.Bool("pipe", false, "serve the conformance protocol over stdin/stdout instead of HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vgi-rpc-server:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	defer logger.Sync()

	protocol := conformance.NewProtocol()
	alloc := memory.NewGoAllocator()
	serverID := uuid.NewString()

	if *pipeMode {
		d := pipe.NewDispatcher(protocol, serverID, alloc, logger)
		if err := d.Serve(os.Stdin, os.Stdout); err != nil {
			logger.Fatal("pipe server exited", zap.Error(err))
		}
		return
	}

	opts := []httpd.Option{
		httpd.WithPrefix(cfg.HTTP.Prefix),
		httpd.WithMaxRequestBytes(cfg.HTTP.MaxRequestBytes),
		httpd.WithByteBudget(cfg.HTTP.ByteBudget),
		httpd.WithTokenTTL(cfg.HTTP.TokenTTL),
		httpd.WithCORSOrigin(cfg.HTTP.CORSOrigin),
	}
	if cfg.HTTP.SigningKeyBase64 != "" {
		key, derr := base64.StdEncoding.DecodeString(cfg.HTTP.SigningKeyBase64)
		if derr != nil {
			logger.Fatal("invalid signing_key_base64", zap.Error(derr))
		}
		opts = append(opts, httpd.WithSigningKey(key))
	}
	httpCfg := httpd.DefaultConfig()
	for _, opt := range opts {
		opt(&httpCfg)
	}

	handler := httpd.NewHandler(protocol, serverID, alloc, logger, httpCfg)

	logger.Info("request limits",
		zap.String("max_request_bytes", humanize.IBytes(uint64(cfg.HTTP.MaxRequestBytes))),
		zap.String("byte_budget", humanize.IBytes(uint64(cfg.HTTP.ByteBudget))),
		zap.Duration("token_ttl", cfg.HTTP.TokenTTL),
	)

	// cfg.Pipe.Enabled lets one process answer both transports at once:
	// HTTP on its listener and the pipe protocol on stdin/stdout, each in
	// its own goroutine under an errgroup.Group so a fault on either side
	// tears down the other rather than leaving an orphaned transport.
	if cfg.Pipe.Enabled {
		var g errgroup.Group
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("prefix", cfg.HTTP.Prefix))
			return http.ListenAndServe(cfg.HTTP.Addr, handler)
		})
		g.Go(func() error {
			d := pipe.NewDispatcher(protocol, serverID, alloc, logger)
			return d.Serve(os.Stdin, os.Stdout)
		})
		if err := g.Wait(); err != nil {
			logger.Fatal("server exited", zap.Error(err))
		}
		return
	}

	logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("prefix", cfg.HTTP.Prefix))
	if err := http.ListenAndServe(cfg.HTTP.Addr, handler); err != nil {
		logger.Fatal("http server exited", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
