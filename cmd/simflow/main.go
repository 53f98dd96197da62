package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"simflow/config"
	"simflow/internal/dashboard"
	"simflow/internal/metrics"
	"simflow/logger"
	"simflow/models"
	"simflow/sim"
	"simflow/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	scenariosPath := flag.String("scenarios", "configs/scenarios.yml", "Path to scenario definitions file")
	scenarioName := flag.String("scenario", "", "Named scenario to run instead of the configured source universe")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if *scenarioName != "" {
		set, err := config.LoadScenarios(*scenariosPath)
		if err != nil {
			log.WithError(err).Error("Failed to load scenarios")
			return 1
		}
		scenario, ok := set.Find(*scenarioName)
		if !ok {
			log.WithFields(logger.Fields{"scenario": *scenarioName}).Error("Scenario not found")
			return 1
		}
		if err := cfg.ApplyScenario(scenario); err != nil {
			log.WithError(err).Error("Failed to apply scenario")
			return 1
		}
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":  cfg.Simflow.Name,
		"version":  cfg.Simflow.Version,
		"env":      config.AppEnvironment(),
		"scenario": *scenarioName,
	}).Info("starting simflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	// CloudWatch publishing only makes sense where the credentials chain is
	// provisioned; development runs stay local.
	if config.IsProductionLike(config.AppEnvironment()) {
		logger.InitCloudWatch(cfg.Artifacts.S3.Region, cfg.Simflow.Name, cfg.Logging.DashboardName)
		metrics.InitCloudWatch(cfg.Artifacts.S3.Region, cfg.Simflow.Name, cfg.Logging.DashboardName)
	}
	metrics.Configure(cfg.Metrics)
	metrics.Init()

	artifacts, err := writer.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("Failed to initialize artifact writer")
		return 1
	}

	handle, err := sim.New(cfg).Simulate(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to start simulation")
		return 1
	}

	monitor, err := dashboard.NewServer(cfg.Monitor, log, func() dashboard.Status {
		return monitorStatus(handle.Status())
	})
	if err != nil {
		log.WithError(err).Error("Failed to build monitor")
		return 1
	}
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Run(ctx) }()
	if monitor != nil {
		log.WithFields(logger.Fields{"address": monitor.Address()}).Info("monitor enabled")
	}

	results := make(chan sim.Result, 1)
	go func() { results <- handle.Join() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var result sim.Result
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		handle.Cancel()
		result = <-results
	case result = <-results:
	}

	// Failed runs keep their artifacts too; a partial ledger still answers
	// what happened before the failure.
	if err := artifacts.WriteSummary(ctx, result.RunID, result.Performance); err != nil {
		log.WithError(err).Error("Failed to write run artifacts")
		return 1
	}

	cancel()
	if err := <-monitorDone; err != nil {
		log.WithError(err).Warn("monitor exited with error")
	}

	if result.State != models.StateDone {
		entry := log.WithComponent("main")
		if result.Failure != nil {
			entry = entry.WithFields(logger.Fields{
				"component":  result.Failure.Component,
				"last_state": string(result.Failure.State),
			}).WithError(result.Failure.Err)
		}
		entry.Error("simflow run failed")
		return 1
	}

	log.WithFields(logger.Fields{
		"run_id":      result.RunID,
		"duration":    result.Duration.String(),
		"events":      result.Counters.EventsProcessed,
		"orders":      result.Counters.OrdersPlaced,
		"txns":        result.Counters.Transactions,
		"ending_cash": result.Performance.Cumulative.EndingCash,
		"returns":     result.Performance.Cumulative.Returns,
	}).Info("simflow run complete")
	return 0
}

// monitorStatus reshapes the run snapshot into the monitor's wire types.
func monitorStatus(st sim.Status) dashboard.Status {
	components := make([]dashboard.ComponentStatus, 0, len(st.Components))
	for _, reg := range st.Components {
		components = append(components, dashboard.ComponentStatus{
			Identity: reg.Identity,
			State:    string(reg.State),
			Seq:      reg.Seq,
			LastSeen: reg.LastSeen,
		})
	}

	mailboxes := make([]dashboard.MailboxStatus, 0, len(st.Mailboxes))
	for _, mb := range st.Mailboxes {
		mailboxes = append(mailboxes, dashboard.MailboxStatus{
			Endpoint: mb.Endpoint,
			Depth:    mb.Depth,
			Capacity: mb.Capacity,
			Sent:     mb.Sent,
			Received: mb.Received,
			Dropped:  mb.Dropped,
		})
	}

	return dashboard.Status{
		RunID:      st.RunID,
		State:      string(st.State),
		StartedAt:  st.StartedAt,
		Components: components,
		Counters: dashboard.CounterStatus{
			EventsEmitted:   st.Counters.EventsEmitted,
			OrdersReplayed:  st.Counters.OrdersReplayed,
			EventsMerged:    st.Counters.EventsMerged,
			EventsProcessed: st.Counters.EventsProcessed,
			OrdersPlaced:    st.Counters.OrdersPlaced,
			OrdersSent:      st.Counters.OrdersSent,
			Transactions:    st.Counters.Transactions,
			FeedPending:     st.Counters.FeedPending,
			MergePending:    st.Counters.MergePending,
		},
		Mailboxes: mailboxes,
	}
}
