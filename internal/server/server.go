// Package server wires configuration, session, queue, sinks and the API into
// one running gateway process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jvalenc/webmta/internal/api"
	"github.com/jvalenc/webmta/internal/artifact"
	"github.com/jvalenc/webmta/internal/audit"
	"github.com/jvalenc/webmta/internal/cache"
	"github.com/jvalenc/webmta/internal/config"
	"github.com/jvalenc/webmta/internal/dispatch"
	"github.com/jvalenc/webmta/internal/driver"
	"github.com/jvalenc/webmta/internal/media"
	"github.com/jvalenc/webmta/internal/notify"
	"github.com/jvalenc/webmta/internal/session"
)

// quiesceTimeout bounds how long shutdown waits for the in-flight message
const quiesceTimeout = 5 * time.Minute

// Server is the assembled gateway
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	sess  *session.Session
	queue *dispatch.Queue
	store *audit.Store
	dedup cache.Cache
	api   *api.Server
	cron  *cron.Cron
}

// New creates an unstarted server
func New(cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Run assembles every component, establishes the browser session, and serves
// until ctx is cancelled. Login failure aborts startup: the gateway must not
// accept messages without a working session.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg

	store, err := audit.Open(audit.Config{
		Driver:    cfg.Audit.Driver,
		DSN:       cfg.Audit.DSN,
		Retention: time.Duration(cfg.Audit.RetentionHours) * time.Hour,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	s.store = store
	defer store.Close()

	artifacts, err := artifact.New(artifact.Config{
		Backend:   cfg.Artifact.Backend,
		Dir:       cfg.Artifact.Dir,
		Endpoint:  cfg.Artifact.Endpoint,
		Bucket:    cfg.Artifact.Bucket,
		AccessKey: cfg.Artifact.AccessKey,
		SecretKey: cfg.Artifact.SecretKey,
		UseSSL:    cfg.Artifact.UseSSL,
		PublicURL: cfg.Artifact.PublicURL,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	if s3, ok := artifacts.(*artifact.S3); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
	}

	stager, err := media.NewStager(cfg.Media.StagingDir, s.logger)
	if err != nil {
		return fmt.Errorf("media stager: %w", err)
	}

	browser := driver.NewRodDriver(driver.Config{
		Bin:            cfg.Browser.Bin,
		Headless:       cfg.Browser.Headless,
		ProfileDir:     cfg.Browser.ProfileDir,
		NavTimeout:     cfg.NavTimeout(),
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	})
	s.sess = session.New(sessionConfig(cfg), browser, artifacts, s.logger)
	if err := s.sess.Initialize(ctx); err != nil {
		return fmt.Errorf("establishing console session: %w", err)
	}

	notifier := notify.New(notify.Config{
		URL:     cfg.Notify.URL,
		Timeout: time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
	}, s.logger)

	scheduler := dispatch.NewScheduler(dispatch.SchedulerConfig{
		MaxRetries:     cfg.Queue.MaxRetries,
		BackoffBase:    time.Duration(cfg.Queue.BackoffBaseMS) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.Queue.BackoffCapMS) * time.Millisecond,
		AttemptTimeout: cfg.AttemptTimeout(),
	}, s.sess, stager, store, notifier, s.logger)

	s.queue = dispatch.NewQueue(dispatch.QueueConfig{
		PauseMin: time.Duration(cfg.Queue.PauseMinSeconds) * time.Second,
		PauseMax: time.Duration(cfg.Queue.PauseMaxSeconds) * time.Second,
	}, scheduler, s.logger)

	s.dedup = s.connectDedup()
	if s.dedup != nil {
		defer s.dedup.Close()
	}

	s.startCron()
	defer s.cron.Stop()

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	s.queue.Start(queueCtx)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		s.api = api.NewServer(api.Config{
			ListenAddr: cfg.API.ListenAddr,
			Auth:       api.AuthConfig{Enabled: cfg.API.AuthEnabled, Keys: cfg.API.APIKeys},
			RateLimit: api.RateLimitConfig{
				Enabled:           cfg.API.RateLimit.Enabled,
				RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
				Burst:             cfg.API.RateLimit.Burst,
				TrustedProxies:    cfg.API.RateLimit.TrustedProxies,
			},
			CORS:           api.CORSConfig{Enabled: cfg.API.CORS.Enabled, AllowedOrigins: cfg.API.CORS.AllowedOrigins},
			MetricsEnabled: cfg.Metrics.Enabled,
			DedupTTL:       time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		}, s.queue, store, s.dedup, s.logger)

		g.Go(func() error { return s.api.Start() })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.api.Shutdown(shutdownCtx)
		})
	}

	s.logger.Info("gateway running",
		"api_enabled", cfg.API.Enabled,
		"console", cfg.Console.URL)

	<-ctx.Done()
	s.logger.Info("shutting down")
	s.shutdown(stopQueue)
	return g.Wait()
}

// shutdown follows the required discipline: stop dequeuing, wait out the
// in-flight attempt, then release the browser. Pending items are discarded;
// a paused queue with a backlog would otherwise never drain.
func (s *Server) shutdown(stopQueue context.CancelFunc) {
	s.queue.Pause()
	quiesceCtx, cancel := context.WithTimeout(context.Background(), quiesceTimeout)
	defer cancel()
	if err := s.queue.Quiesce(quiesceCtx); err != nil {
		s.logger.Warn("in-flight attempt did not finish before shutdown", "error", err)
	}
	if n := s.queue.Clear(); n > 0 {
		s.logger.Warn("discarding pending messages at shutdown", "count", n)
	}
	stopQueue()
	s.queue.Stop()

	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRelease()
	if err := s.sess.Release(releaseCtx); err != nil {
		s.logger.Warn("browser release failed", "error", err)
	}
}

func (s *Server) connectDedup() cache.Cache {
	c, err := cache.Factory(cache.Config{
		Type:     s.cfg.Cache.Type,
		Host:     s.cfg.Cache.Host,
		Port:     s.cfg.Cache.Port,
		Password: s.cfg.Cache.Password,
		Database: s.cfg.Cache.Database,
	})
	if err != nil {
		s.logger.Warn("dedup cache misconfigured, duplicate suppression disabled", "error", err)
		return nil
	}
	if err := c.Connect(); err != nil {
		s.logger.Warn("dedup cache unreachable, duplicate suppression disabled", "error", err)
		return nil
	}
	return c
}

// startCron schedules audit retention pruning and stale staged-media sweeps
func (s *Server) startCron() {
	s.cron = cron.New()
	retention := time.Duration(s.cfg.Audit.RetentionHours) * time.Hour
	if retention > 0 {
		s.cron.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.store.Prune(ctx, retention); err != nil {
				s.logger.Warn("audit retention prune failed", "error", err)
			}
		})
	}
	stagingDir := s.cfg.Media.StagingDir
	s.cron.AddFunc("@every 6h", func() {
		sweepStaging(stagingDir, 24*time.Hour, s.logger)
	})
	s.cron.Start()
}

// sweepStaging removes staged files orphaned by crashes. Normal operation
// deletes staged media as each message reaches a terminal state, so anything
// old enough here is garbage.
func sweepStaging(dir string, olderThan time.Duration, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.Info("swept stale staged media", "removed", removed)
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		ConsoleURL:        cfg.Console.URL,
		AuthenticatedPath: cfg.Console.AuthenticatedPath,
		LoginPath:         cfg.Console.LoginPath,
		Account:           cfg.Console.Account,
		Secret:            cfg.Console.Secret,
		SecondFactorWait:  cfg.SecondFactorWait(),
		NavTimeout:        cfg.NavTimeout(),
		SettleInterval:    time.Duration(cfg.Browser.SettleInterval) * time.Second,
		TypeDelayMin:      time.Duration(cfg.Browser.TypeDelayMinMS) * time.Millisecond,
		TypeDelayMax:      time.Duration(cfg.Browser.TypeDelayMaxMS) * time.Millisecond,
		PauseShortMin:     time.Duration(cfg.Browser.PauseShortMinMS) * time.Millisecond,
		PauseShortMax:     time.Duration(cfg.Browser.PauseShortMaxMS) * time.Millisecond,
		PauseLongMin:      time.Duration(cfg.Browser.PauseLongMinMS) * time.Millisecond,
		PauseLongMax:      time.Duration(cfg.Browser.PauseLongMaxMS) * time.Millisecond,
	}
}
