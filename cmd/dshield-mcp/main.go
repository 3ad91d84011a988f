// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command dshield-mcp runs the MCP server for SIEM analysis: JSON-RPC
// over stdio (default) or TCP, backed by Elasticsearch and the DShield
// threat-intelligence API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dshield-mcp/pkg/logging"
	"github.com/AleutianAI/dshield-mcp/pkg/secrets"
	"github.com/AleutianAI/dshield-mcp/services/siem/campaign"
	"github.com/AleutianAI/dshield-mcp/services/siem/config"
	"github.com/AleutianAI/dshield-mcp/services/siem/dshield"
	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/features"
	"github.com/AleutianAI/dshield-mcp/services/siem/ratelimit"
	"github.com/AleutianAI/dshield-mcp/services/siem/report"
	"github.com/AleutianAI/dshield-mcp/services/siem/server"
	"github.com/AleutianAI/dshield-mcp/services/siem/tools"
	"github.com/AleutianAI/dshield-mcp/services/siem/validator"
)

// Exit codes.
const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

var version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagTCP    bool
		flagDebug  bool
		flagLogDir string
	)

	exitCode := exitOK
	rootCmd := &cobra.Command{
		Use:     "dshield-mcp",
		Short:   "MCP server for DShield SIEM analysis",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve(flagTCP, flagDebug, flagLogDir)
			exitCode = code
			return err
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().BoolVar(&flagTCP, "tcp", false, "serve TCP instead of stdio")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "also write JSON logs to this directory")

	if err := rootCmd.Execute(); err != nil {
		if exitCode == exitOK {
			exitCode = exitStartup
		}
	}
	return exitCode
}

// serve builds the component graph and runs the server until the
// transport ends or a termination signal arrives.
func serve(tcp, debug bool, logDir string) (int, error) {
	logger := logging.New(logging.Config{
		Debug:   debug,
		LogDir:  logDir,
		Service: "dshield-mcp",
		JSON:    tcp,
	})
	defer logger.Close()
	log := logger.Slog()

	resolver := secrets.NewRegistry(log)
	cfg, err := config.Load(resolver)
	if err != nil {
		log.Error("configuration invalid", slog.Any("error", err))
		return exitStartup, err
	}
	if debug || cfg.Debug {
		log.Debug("configuration loaded",
			slog.String("elasticsearch_url", cfg.ElasticsearchURL),
			slog.Bool("tcp", tcp))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	esClient, err := elastic.NewClient(elastic.Config{
		URL:          cfg.ElasticsearchURL,
		Username:     cfg.ElasticsearchUsername,
		Password:     cfg.ElasticsearchPassword,
		VerifySSL:    cfg.ElasticsearchVerify,
		CACertPath:   cfg.ElasticsearchCACerts,
		QueryTimeout: time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		CacheTTL:     time.Duration(cfg.CacheTTLSeconds) * time.Second,
		Logger:       log,
	})
	if err != nil {
		log.Error("elasticsearch client invalid", slog.Any("error", err))
		return exitStartup, err
	}
	if err := esClient.Connect(ctx); err != nil {
		// A down backend is degraded mode, not a startup failure.
		log.Warn("elasticsearch connect failed, starting degraded", slog.Any("error", err))
	}
	defer esClient.Close()

	dsClient, err := dshield.NewClient(dshield.Config{
		BaseURL:      cfg.DShieldAPIURL,
		APIKey:       cfg.DShieldAPIKey,
		CacheTTL:     time.Duration(cfg.CacheTTLSeconds) * time.Second,
		MaxBatchSize: cfg.MaxEnrichmentBatch,
		Logger:       log,
	})
	if err != nil {
		log.Error("dshield client invalid", slog.Any("error", err))
		return exitStartup, err
	}

	featMgr := features.NewManager(log)
	featMgr.RegisterProbe(features.TagElasticsearch, esClient.Ping)
	featMgr.RegisterProbe(features.TagDShield, dsClient.Ping)
	featMgr.RegisterProbe(features.TagLaTeX, func(context.Context) error {
		if !report.LatexAvailable() {
			return errors.New("pdflatex not found on PATH")
		}
		return nil
	})
	esClient.Breaker().RegisterHandler(breakerHook{featMgr, features.TagElasticsearch})
	dsClient.Breaker().RegisterHandler(breakerHook{featMgr, features.TagDShield})
	featMgr.ProbeAll(ctx)
	featMgr.Start(ctx)
	defer featMgr.Stop()

	limits := ratelimit.NewHierarchy(0, 0)
	limits.Keys.Configure("anonymous", cfg.RateLimitRPM, cfg.RateLimitRPM)

	registry, err := tools.NewRegistry()
	if err != nil {
		log.Error("tool registry invalid", slog.Any("error", err))
		return exitStartup, err
	}

	store := campaign.NewStore()
	handlers := &tools.Handlers{
		Elastic:               esClient,
		DShield:               dsClient,
		Analyzer:              campaign.NewAnalyzer(esClient, store, log),
		Store:                 store,
		Renderer:              report.NewRenderer(os.TempDir(), report.DefaultWorkers, log),
		Features:              featMgr,
		Limits:                limits,
		Logger:                log,
		DefaultTimeRangeHours: cfg.DefaultTimeRangeHours,
		MaxQueryResults:       cfg.MaxQueryResults,
		StartedAt:             time.Now(),
	}
	dispatcher := tools.NewDispatcher(registry, featMgr, log)
	handlers.RegisterAll(dispatcher)

	apiKeys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		apiKeys[key] = struct{}{}
		limits.Keys.Configure(key, cfg.RateLimitRPM, cfg.RateLimitRPM)
	}
	srv := server.New(server.Config{
		Host:    cfg.ServerHost,
		Port:    cfg.ServerPort,
		APIKeys: apiKeys,
	}, validator.New(log), limits, dispatcher, registry, featMgr, log)

	group, groupCtx := errgroup.WithContext(ctx)
	if tcp {
		if cfg.ServerPort == 0 {
			err := fmt.Errorf("--tcp requires MCP_SERVER_PORT")
			log.Error("startup failed", slog.Any("error", err))
			return exitStartup, err
		}
		group.Go(func() error { return srv.ServeTCP(groupCtx) })
	} else {
		group.Go(func() error { return srv.ServeStdio(groupCtx) })
	}
	group.Go(func() error {
		<-groupCtx.Done()
		srv.Shutdown()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server terminated abnormally", slog.Any("error", err))
		return exitRuntime, err
	}
	log.Info("shutdown complete")
	return exitOK, nil
}

// breakerHook reports breaker transitions to the feature manager.
type breakerHook struct {
	featMgr *features.Manager
	tag     features.Tag
}

func (h breakerHook) OnOpen(reason string) {
	h.featMgr.SetUnavailable(h.tag, reason)
}

func (h breakerHook) OnClose() {
	h.featMgr.SetAvailable(h.tag)
}
