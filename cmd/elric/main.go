// Copyright 2023 The Elric Authors
// This file is part of Elric.
//
// Elric is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Elric is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Elric. If not, see <http://www.gnu.org/licenses/>.

// Elric streams substreams database changes into ClickHouse.
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

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pbsubstreams "github.com/streamingfast/substreams/pb/sf/substreams/v1"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/semiotic-ai/elric/chdb"
	"github.com/semiotic-ai/elric/loader"
	"github.com/semiotic-ai/elric/stream"
)

const tokenEnvVar = "SUBSTREAMS_API_TOKEN"

func main() {
	app := &cli.App{
		Name:  "elric",
		Usage: "stream substreams database changes into ClickHouse",
		Commands: []*cli.Command{
			runCommand(),
			setupCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "consume the substreams endpoint and load blocks until terminated",
		ArgsUsage: "<database_url> <id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "package-file", Value: "substreams.spkg", Usage: "substreams package manifest"},
			&cli.StringFlag{Name: "module", Value: "db_out", Usage: "output module producing DatabaseChanges"},
			&cli.StringFlag{Name: "endpoint-url", Value: "mainnet.eth.streamingfast.io:443", Usage: "substreams gRPC endpoint"},
			&cli.StringFlag{Name: "token", Usage: "substreams API token (" + tokenEnvVar + " overrides)"},
			&cli.Int64Flag{Name: "start-block", Usage: "first block to request when no cursor exists"},
			&cli.Uint64Flag{Name: "end-block", Usage: "stop block, 0 to stream forever"},
			&cli.IntFlag{Name: "buffer-size", Value: loader.DefaultBufferLen, Usage: "unfinalized block window"},
			&cli.DurationFlag{Name: "flush-interval", Value: chdb.DefaultFlushInterval, Usage: "inserter flush period"},
			&cli.StringFlag{Name: "batch-max-size", Value: "16mb", Usage: "flush a batch early past this size"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "expose prometheus metrics on this address"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
		},
		Action: runAction,
	}
}

func runAction(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 2 {
		return fmt.Errorf("expected <database_url> <id> arguments")
	}
	databaseURL, workerID := cliCtx.Args().Get(0), cliCtx.Args().Get(1)

	logger, err := newLogger(cliCtx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	token := cliCtx.String("token")
	if env := os.Getenv(tokenEnvVar); env != "" {
		token = env
	}
	if token == "" {
		return fmt.Errorf("no API token: set %s or pass --token", tokenEnvVar)
	}

	pkg, err := readPackage(cliCtx.String("package-file"))
	if err != nil {
		return err
	}
	moduleName := cliCtx.String("module")
	if !hasModule(pkg, moduleName) {
		return fmt.Errorf("module %q not found in package %s", moduleName, cliCtx.String("package-file"))
	}

	var batchMax datasize.ByteSize
	if err := batchMax.UnmarshalText([]byte(cliCtx.String("batch-max-size"))); err != nil {
		return fmt.Errorf("parse batch-max-size: %w", err)
	}

	client, err := chdb.NewClient(databaseURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	specs, err := chdb.DiscoverTables(ctx, client)
	if err != nil {
		return err
	}
	logger.Info("schema discovered", zap.Int("tables", len(specs)), zap.String("database", client.Database()))

	insOpts := []chdb.InserterOption{
		chdb.WithFlushInterval(cliCtx.Duration("flush-interval")),
		chdb.WithBatchMaxSize(int(batchMax.Bytes())),
	}
	tables := make(map[string]loader.TableWriter, len(specs))
	for _, spec := range specs {
		tables[spec.Name] = chdb.NewInserter(client, spec, logger, insOpts...)
	}
	cursorStore := chdb.NewCursorStore(client, workerID, logger, insOpts...)

	cursor, blockNum, err := chdb.LoadCursor(ctx, client, workerID)
	switch {
	case errors.Is(err, chdb.ErrCursorNotFound):
		logger.Info("no cursor found, starting fresh", zap.Int64("start_block", cliCtx.Int64("start-block")))
	case err != nil:
		return err
	default:
		logger.Info("resuming from cursor", zap.Uint64("block_num", blockNum))
	}

	source, err := stream.New(stream.Config{
		Endpoint:     cliCtx.String("endpoint-url"),
		Token:        token,
		Modules:      pkg.Modules,
		OutputModule: moduleName,
		StartBlock:   cliCtx.Int64("start-block"),
		StopBlock:    cliCtx.Uint64("end-block"),
		Cursor:       cursor,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	buffer := loader.NewFinalityBuffer(cliCtx.Int("buffer-size"))
	work := loader.New(tables, cursorStore, buffer, logger)

	g, gctx := errgroup.WithContext(ctx)
	if addr := cliCtx.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer stop()
		return work.Run(gctx, source)
	})
	return g.Wait()
}

func setupCommand() *cli.Command {
	return &cli.Command{
		Name:      "setup",
		Usage:     "execute a DDL file against the database",
		ArgsUsage: "<database_url> <ddl_file>",
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 2 {
				return fmt.Errorf("expected <database_url> <ddl_file> arguments")
			}

			client, err := chdb.NewClient(cliCtx.Args().Get(0))
			if err != nil {
				return err
			}

			ddl, err := os.ReadFile(cliCtx.Args().Get(1))
			if err != nil {
				return fmt.Errorf("read ddl file: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, statement := range strings.Split(string(ddl), ";") {
				statement = strings.TrimSpace(statement)
				if statement == "" {
					continue
				}
				if err := client.Exec(ctx, statement); err != nil {
					return fmt.Errorf("execute %q: %w", abbreviate(statement), err)
				}
			}
			return nil
		},
	}
}

func readPackage(path string) (*pbsubstreams.Package, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", path, err)
	}
	pkg := &pbsubstreams.Package{}
	if err := proto.Unmarshal(content, pkg); err != nil {
		return nil, fmt.Errorf("decode package %s: %w", path, err)
	}
	return pkg, nil
}

func hasModule(pkg *pbsubstreams.Package, name string) bool {
	if pkg.Modules == nil {
		return false
	}
	for _, module := range pkg.Modules.Modules {
		if module.Name == name {
			return true
		}
	}
	return false
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func abbreviate(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
