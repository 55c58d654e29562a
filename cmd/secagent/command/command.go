// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command implements the secagent command.
package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/DataDog/secagent/pkg/compliance"
	"github.com/DataDog/secagent/pkg/config"
	"github.com/DataDog/secagent/pkg/containerctl"
	"github.com/DataDog/secagent/pkg/crashreport"
	"github.com/DataDog/secagent/pkg/eventmonitor"
	"github.com/DataDog/secagent/pkg/memdump"
	"github.com/DataDog/secagent/pkg/security/infra"
	"github.com/DataDog/secagent/pkg/security/manager"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/security/rules"
	"github.com/DataDog/secagent/pkg/serializer"
	"github.com/DataDog/secagent/pkg/util/log"
	"github.com/DataDog/secagent/pkg/version"
)

// RootCommand returns the secagent root command.
func RootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "secagent",
		Short:        "Host security and telemetry agent",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("secagent %s %s\n", version.AgentVersion, version.Commit)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	return rootCmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		err = log.SetupFileLogger(cfg.LogFile, cfg.LogLevel)
	} else {
		err = log.SetupDefaultLogger(cfg.LogLevel)
	}
	if err != nil {
		return err
	}
	defer log.Flush()

	crashHandler := crashreport.Setup(cfg.CrashdumpFile)
	defer crashHandler.Stop()
	defer crashreport.RecoverAndDump(cfg.CrashdumpFile)

	statsdClient, err := statsd.New(cfg.StatsdAddr)
	if err != nil {
		log.Warnf("unable to create statsd client: %v", err)
		statsdClient = nil
	}

	clk := clock.New()

	ruleEngine := rules.NewSigmaEngine()
	if cfg.Security.RulesDir != "" {
		if err := ruleEngine.LoadDir(cfg.Security.RulesDir); err != nil {
			return err
		}
	}

	store := policy.NewStore(ruleEngine)
	if cfg.Security.PoliciesFile != "" {
		defs, err := policy.LoadDefsFile(cfg.Security.PoliciesFile)
		if err != nil {
			return err
		}
		if err := store.Load(defs); err != nil {
			return err
		}
	}

	infraState := infra.NewState(cfg.HostID)

	queue := serializer.NewQueue(cfg.Queue.HighSize, cfg.Queue.MediumSize, cfg.Queue.LowSize)
	handler := serializer.NewHandler(queue, cfg.CompressionEnabled, statsdClient)

	dumper, err := memdump.NewDumper(cfg.Memdump, cfg.RunRoot, statsdClient, clk)
	if err != nil {
		return err
	}
	defer dumper.Close()

	coclient := containerctl.NewDispatcher(containerctl.NewExecRuntime(cfg.ContainerRuntimeBin))
	defer coclient.Close()

	mgr, err := manager.NewManager(cfg.Security, infraState.HostID(), manager.Opts{
		RunRoot:      cfg.RunRoot,
		Store:        store,
		RuleEngine:   ruleEngine,
		InfraState:   infraState,
		Dumper:       dumper,
		ContainerCtl: coclient,
		Handler:      handler,
		StatsdClient: statsdClient,
		Clock:        clk,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	var complianceClient *compliance.Client
	if cfg.Compliance.Enabled {
		complianceClient, err = compliance.NewClient(cfg.Compliance, infraState.HostID(), cfg.CustomerID,
			infraState, handler, statsdClient, clk)
		if err != nil {
			return err
		}
		defer complianceClient.Close()
	}

	if cfg.Security.WatchPolicies && cfg.Security.PoliciesFile != "" {
		watcher, err := policy.NewWatcher(cfg.Security.PoliciesFile, store)
		if err != nil {
			log.Warnf("unable to watch policies file: %v", err)
		} else {
			watcherCtx, watcherCancel := context.WithCancel(context.Background())
			defer watcherCancel()
			go watcher.Run(watcherCtx)
		}
	}

	source, err := eventmonitor.NewSocketSource(cfg.EventSocket)
	if err != nil {
		return err
	}
	defer source.Close()

	monitor := eventmonitor.NewEventMonitor(source, dumper, mgr, complianceClient, statsdClient, clk)
	monitor.Start()
	defer monitor.Close()

	log.Infof("secagent %s started", version.AgentVersion)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received signal %s, shutting down", sig)

	return nil
}
