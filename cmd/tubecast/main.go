package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tubecast/tubecast/pkg/builder"
	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/fs"
	"github.com/tubecast/tubecast/pkg/metrics"
	"github.com/tubecast/tubecast/pkg/model"
	"github.com/tubecast/tubecast/pkg/ytdl"
	"github.com/tubecast/tubecast/services/download"
	"github.com/tubecast/tubecast/services/scheduler"
	"github.com/tubecast/tubecast/services/update"
	"github.com/tubecast/tubecast/services/web"
)

type Opts struct {
	ConfigPath string `long:"config" short:"c" default:"config.toml" env:"TUBECAST_CONFIG_PATH" description:"Path to the TOML configuration file"`
	Debug      bool   `long:"debug" description:"Enable debug logging"`
}

type ResetCommand struct {
	Episode string `long:"episode" required:"true" description:"ID of the failed episode to download again"`
}

type DeleteCommand struct {
	Feed string `long:"feed" required:"true" description:"ID of the feed to delete together with its orphaned episodes"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})

	// Parse args
	var (
		opts   = Opts{}
		reset  = ResetCommand{}
		remove = DeleteCommand{}
		parser = flags.NewParser(&opts, flags.Default)
	)

	parser.SubcommandsOptional = true

	if _, err := parser.AddCommand("reset", "Reset a failed episode", "Moves a failed episode back to pending so it is downloaded again.", &reset); err != nil {
		log.WithError(err).Fatal("failed to register command")
	}

	if _, err := parser.AddCommand("delete", "Delete a feed", "Deletes a feed, its playlist links and every episode left without a feed.", &remove); err != nil {
		log.WithError(err).Fatal("failed to register command")
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse command line arguments")
	}

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}

	// Load TOML file
	log.Debugf("loading configuration %q", opts.ConfigPath)
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration file")
	}

	if cfg.Log.Filename != "" {
		log.Infof("writing logs to %q", cfg.Log.Filename)
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Log.Filename,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		})
	}

	log.WithFields(log.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("running tubecast")

	database, err := db.NewBadger(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}

	closeDatabase := func() {
		if err := database.Close(); err != nil {
			log.WithError(err).Error("failed to close database")
		}
	}

	files, err := fs.New(cfg.Storage)
	if err != nil {
		closeDatabase()
		log.WithError(err).Fatal("failed to open storage")
	}

	ctx := context.Background()

	if parser.Active != nil {
		err := runCommand(ctx, parser.Active.Name, cfg, database, files, reset, remove)
		closeDatabase()
		if err != nil {
			log.WithError(err).Fatalf("%s failed", parser.Active.Name)
		}
		return
	}

	err = run(ctx, cfg, database, files)
	closeDatabase()
	if err != nil {
		log.WithError(err).Fatal("tubecast failed")
	}

	log.Info("gracefully stopped")
}

func runCommand(ctx context.Context, name string, cfg *Config, database db.Storage, files fs.Storage, reset ResetCommand, remove DeleteCommand) error {
	switch name {
	case "reset":
		return download.New(database, nil, nil, nil).Reset(ctx, reset.Episode)
	case "delete":
		manager := update.NewUpdater(cfg.Sync, database, files, nil, nil, nil, nil)
		if err := manager.DeleteFeed(ctx, remove.Feed); err != nil {
			return err
		}
		if _, ok := cfg.Feeds[remove.Feed]; ok {
			log.Warnf("feed %q is still configured and will be subscribed again on next start", remove.Feed)
		}
		return nil
	default:
		return errors.Errorf("unknown command %q", name)
	}
}

func run(ctx context.Context, cfg *Config, database db.Storage, files fs.Storage) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys, err := feed.NewKeyProvider(cfg.Tokens[model.ProviderYoutube])
	if err != nil {
		return errors.Wrap(err, "failed to load youtube API keys")
	}

	source, err := builder.New(ctx, model.ProviderYoutube, keys)
	if err != nil {
		return errors.Wrap(err, "failed to create youtube client")
	}

	downloader, err := ytdl.New(ctx, cfg.Downloader)
	if err != nil {
		return errors.Wrap(err, "yt-dlp error")
	}

	m := metrics.New()

	// Pool sizes are explicit, Badger write contention grows with download workers
	downloadPool := executor.New("download", cfg.Executor)
	syncPool := executor.New("sync", cfg.Sync.Pool())

	worker := download.NewWorker(database, files, downloader, cfg.Hooks(), m)
	downloads := download.New(database, downloadPool, worker, m)

	// Nothing may be queued or downloading before workers start
	if err := downloads.Recover(ctx); err != nil {
		return errors.Wrap(err, "failed to recover episodes")
	}

	manager := update.NewUpdater(cfg.Sync, database, files, source, syncPool, downloads, m)
	sched := scheduler.New(cfg.Scheduler, database, downloads, manager, m, downloadPool, syncPool)

	downloadPool.Start(ctx)
	syncPool.Start(ctx)

	defer func() {
		log.Info("stopping executors")
		syncPool.Stop()
		downloadPool.Stop()
	}()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		reconcile(ctx, manager, cfg)

		if _, err := sched.AdmitPending(ctx); err != nil {
			log.WithError(err).Error("initial admission failed")
		}

		return sched.Run(ctx)
	})

	// Run web server
	srv := web.New(cfg.Server, m.Handler(), func() error {
		_, err := database.Version()
		return err
	})

	group.Go(func() error {
		log.Infof("running listener at %s", srv.Addr)
		return srv.ListenAndServe()
	})

	group.Go(func() error {
		// Shutdown web server
		defer func() {
			log.Info("shutting down web server")
			if err := srv.Shutdown(context.Background()); err != nil {
				log.WithError(err).Error("server shutdown failed")
			}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			cancel()
			return nil
		}
	})

	if err := group.Wait(); err != nil && err != context.Canceled && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// reconcile subscribes configured feeds missing from the database and
// applies configuration changes to the known ones.
func reconcile(ctx context.Context, manager *update.Manager, cfg *Config) {
	for _, id := range cfg.FeedIDs() {
		feedConfig := cfg.Feeds[id]
		logger := log.WithField("feed_id", id)

		result, err := manager.Subscribe(ctx, feedConfig)
		if err == nil {
			if result.Async {
				logger.Infof("subscribed, fetching %d episode(s) in background", result.Count)
			} else {
				logger.Infof("subscribed with %d new episode(s)", result.Created)
			}
			continue
		}

		if errors.Cause(err) != model.ErrAlreadyExists {
			logger.WithError(err).Error("failed to subscribe")
			continue
		}

		updated, err := manager.UpdateConfig(ctx, feedConfig)
		if err != nil {
			logger.WithError(err).Error("failed to update feed configuration")
			continue
		}

		if updated.History {
			logger.Infof("fetching %d older episode(s) in background", updated.Count)
		}
	}
}
