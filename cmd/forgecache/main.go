// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command forgecache runs a build graph to completion in a single
// process: no orchestrator, no worker, every pip scheduled and executed
// locally through internal/engine.LocalDriver. It is the quickest path
// to a runnable build and the reference the distributed binaries are
// checked against.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"forgecache/internal/config"
	"forgecache/internal/engine"
	"forgecache/internal/logging"
	"forgecache/internal/manifest"
	"forgecache/internal/pipexec"
	"forgecache/pkg/pipgraph"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgecache: %v\n", err)
		os.Exit(2)
	}

	manifestPath := flag.String("manifest", "", "path to a build manifest JSON file (required)")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	flag.Parse()
	cfg.LogLevel = *logLevel

	logger := logging.New(cfg.LogLevel, logging.FormatText)

	if *manifestPath == "" {
		logger.Error("forgecache: -manifest is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessionID := uuid.NewString()
	self := pipgraph.MachineLocation{URI: "forgecache://local"}

	stack, err := engine.BuildLocalStack(ctx, cfg, self, sessionID, logger)
	if err != nil {
		logger.Error("forgecache: build stack", "err", err)
		os.Exit(1)
	}
	defer stack.Close()

	graph, err := manifest.Load(*manifestPath, stack.Paths)
	if err != nil {
		logger.Error("forgecache: load manifest", "err", err)
		os.Exit(1)
	}

	driver := engine.NewLocalDriver(graph, stack.Exec, stack.Disp, logger)

	started := time.Now()
	results, runErr := driver.Run(ctx)
	stack.Disp.Shutdown()

	summary := summarize(results)
	logger.Info("forgecache: build finished",
		"duration", time.Since(started),
		"cached", summary.Cached,
		"executed", summary.Executed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)

	if runErr != nil {
		logger.Error("forgecache: build failed", "err", runErr)
		os.Exit(1)
	}
}

type eventCounts struct {
	Cached, Executed, Failed, Skipped int64
}

func summarize(results map[pipgraph.PipID]pipexec.Result) eventCounts {
	var c eventCounts
	for _, r := range results {
		switch r.State {
		case pipgraph.PipStateCached:
			c.Cached++
		case pipgraph.PipStateExecuted:
			c.Executed++
		case pipgraph.PipStateFailed:
			c.Failed++
		case pipgraph.PipStateSkipped:
			c.Skipped++
		}
	}
	return c
}
