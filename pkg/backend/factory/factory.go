// Copyright 2025 The Dazzle Authors
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

// Package factory builds the backend selected by configuration. It lives
// outside pkg/backend because the implementations it constructs import that
// package for the contract types.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/dazzlehq/dazzle/internal/config"
	"github.com/dazzlehq/dazzle/internal/lite"
	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/internal/remote"
	"github.com/dazzlehq/dazzle/pkg/backend"
	"github.com/dazzlehq/dazzle/pkg/errors"
)

// Options carries construction inputs that do not come from the
// configuration file.
type Options struct {
	// Logger is the parent logger handed to whichever backend is built.
	Logger *slog.Logger
}

// New constructs the backend named by cfg.Backend. The result is not yet
// initialized; callers own the Initialize/Shutdown lifecycle.
//
// "remote" requires the service to answer a health probe within the connect
// timeout and fails otherwise. "auto" runs the same probe and quietly falls
// back to the embedded lite engine when the service is unreachable. "lite"
// never touches the network.
func New(ctx context.Context, cfg *config.Config, opts Options) (backend.Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(nil)
	}

	switch backend.Kind(cfg.Backend) {
	case backend.KindLite:
		return lite.New(liteOptions(cfg, logger)), nil

	case backend.KindRemote:
		if err := probe(ctx, cfg, logger); err != nil {
			return nil, fmt.Errorf("remote backend unreachable: %w", err)
		}
		return remote.New(remoteOptions(cfg, logger)), nil

	case backend.KindAuto:
		if err := probe(ctx, cfg, logger); err != nil {
			logger.Info("remote service unreachable, using lite backend",
				slog.String("addr", remoteAddr(cfg)))
			return lite.New(liteOptions(cfg, logger)), nil
		}
		logger.Info("remote service reachable, using remote backend",
			slog.String("addr", remoteAddr(cfg)))
		return remote.New(remoteOptions(cfg, logger)), nil

	default:
		return nil, &errors.ConfigError{
			Key:    "backend",
			Reason: fmt.Sprintf("unknown backend %q, must be one of [auto, lite, remote]", cfg.Backend),
		}
	}
}

// probe dials the remote service and waits for a serving health status
// within the connect timeout. The probe connection is always torn down; the
// chosen backend opens its own on Initialize.
func probe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := remote.NewClient(remote.Config{
		Addr:           remoteAddr(cfg),
		Namespace:      cfg.Remote.Namespace,
		TaskQueue:      cfg.Remote.TaskQueue,
		ConnectTimeout: cfg.Remote.ConnectTimeout(),
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Connect(ctx)
}

func remoteAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Remote.Host, strconv.Itoa(cfg.Remote.Port))
}

func liteOptions(cfg *config.Config, logger *slog.Logger) lite.Options {
	return lite.Options{
		DBPath:            cfg.Lite.DBPath,
		PollInterval:      cfg.Lite.PollInterval(),
		SchedulerInterval: cfg.Lite.SchedulerInterval(),
		DefaultDSLVersion: cfg.DefaultDSLVersion,
		Logger:            logger,
	}
}

// remoteOptions maps config onto the remote backend. The local database path
// is shared with the lite section: tasks, versions, and events live in the
// same file no matter which backend owns run execution.
func remoteOptions(cfg *config.Config, logger *slog.Logger) remote.Options {
	return remote.Options{
		Host:              cfg.Remote.Host,
		Port:              cfg.Remote.Port,
		Namespace:         cfg.Remote.Namespace,
		TaskQueue:         cfg.Remote.TaskQueue,
		DBPath:            cfg.Lite.DBPath,
		ConnectTimeout:    cfg.Remote.ConnectTimeout(),
		DefaultDSLVersion: cfg.DefaultDSLVersion,
		Logger:            logger,
	}
}
