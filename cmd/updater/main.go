// Command updater runs the self-hosted update and backup orchestrator:
// an HTTP API that drives container-stack upgrades and the backup and
// restore flows that protect data around them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/canopyos/updater/internal/backup"
	"github.com/canopyos/updater/internal/clock"
	"github.com/canopyos/updater/internal/config"
	"github.com/canopyos/updater/internal/logging"
	"github.com/canopyos/updater/internal/maintenance"
	"github.com/canopyos/updater/internal/metrics"
	"github.com/canopyos/updater/internal/notify"
	"github.com/canopyos/updater/internal/pipeline"
	"github.com/canopyos/updater/internal/registry"
	"github.com/canopyos/updater/internal/runner"
	"github.com/canopyos/updater/internal/session"
	"github.com/canopyos/updater/internal/singleflight"
	"github.com/canopyos/updater/internal/store"
	"github.com/canopyos/updater/internal/version"
	"github.com/canopyos/updater/internal/web"
)

// buildVersion is set at build time via -X main.buildVersion=$(VERSION).
var buildVersion = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("canopyos-updater " + buildVersion)
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	run := runner.New(cfg.DockerBin)
	regClient := registry.NewClient()

	resolver := &version.Resolver{
		Runner:         run,
		Registry:       regClient,
		ManifestURL:    cfg.VersionManifestURL,
		ChannelDefault: cfg.VersionChannelDefault,
		CacheTTL:       cfg.VersionCacheTTL,
		MinRefresh:     cfg.VersionMinRefresh,
	}

	var mirror backup.Mirror
	if cfg.S3Bucket != "" {
		s3m, err := backup.NewS3Mirror(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Warn("failed to initialise S3 backup mirror, continuing without it", "error", err)
		} else {
			mirror = s3m
		}
	}

	backupStore := &backup.Store{Root: cfg.BackupsDir}
	backupPipeline := &backup.Pipeline{
		Runner:  run,
		Compose: &pipeline.ComposeRunner{Runner: run, WorkDir: cfg.WorkDir, ProjectName: cfg.ComposeProject, PinnedPath: cfg.PinnedOverridePath(), Timeout: cfg.ComposeTimeout},
		Store:   backupStore,
		Mirror:  mirror,
		Clock:   clk,
	}

	notifiers := buildNotifiers(cfg, log)
	multi := notify.New(log, notifiers...)

	metricsReg := metrics.New()

	update := &pipeline.Update{
		Cfg:      cfg,
		Runner:   run,
		Registry: regClient,
		Resolver: resolver,
		Compose:  &pipeline.ComposeRunner{Runner: run, WorkDir: cfg.WorkDir, ProjectName: cfg.ComposeProject, PinnedPath: cfg.PinnedOverridePath(), Timeout: cfg.ComposeTimeout},
		Syncer:   &pipeline.Syncer{WorkDir: cfg.WorkDir, ArchiveURL: cfg.DeploymentRepoURL},
		Health:   &pipeline.HealthPoller{Runner: run},
		Backup:   backupPipeline,
		Metrics:  metricsReg,
		Notify:   multi,
		Clock:    clk,
	}

	sessions := session.NewStore()
	updateGate := &singleflight.Gate{}
	restoreGate := &singleflight.Gate{}

	sched := maintenance.NewScheduler(log)
	sched.Latest = resolver
	sched.UpdateGate = updateGate
	sched.UpdateGateLookup = sessions.Lookup
	sched.BackupGate = restoreGate
	sched.BackupGateLookup = sessions.Lookup
	sched.Backups = backupStore
	sched.RetainCount = 2
	if cfg.MetricsTextfilePath != "" {
		sched.TextfilePath = cfg.MetricsTextfilePath
		sched.WriteTextfile = metrics.WriteTextfile
	}
	if err := sched.Start(ctx, "*/15 * * * *"); err != nil {
		log.Error("failed to start maintenance scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()
	sched.RunNow(ctx)

	srv := web.NewServer(web.Dependencies{
		Cfg:         cfg,
		Update:      update,
		Backup:      backupPipeline,
		Resolver:    resolver,
		Sessions:    sessions,
		UpdateGate:  updateGate,
		RestoreGate: restoreGate,
		Jobs:        db,
		Metrics:     metricsReg,
		Notify:      multi,
		Clock:       clk,
		Log:         log,
	})

	addr := net.JoinHostPort("", cfg.WebPort)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("updater started", "version", buildVersion, "addr", addr)
	<-ctx.Done()
	log.Info("updater shutdown complete")
}

// buildNotifiers constructs the configured best-effort notification
// providers from the environment. Either or both may be absent.
func buildNotifiers(cfg *config.Config, log *logging.Logger) []notify.Provider {
	var providers []notify.Provider
	if cfg.WebhookURL != "" {
		providers = append(providers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		providers = append(providers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "", "", "", 0))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	return providers
}

// parseHeaders parses "Key:Value,Key2:Value2" into a header map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
