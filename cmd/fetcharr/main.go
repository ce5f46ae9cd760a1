package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anacrolix/torrent"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/controllers"
	"github.com/fetcharr/fetcharr/internal/fetcher"
	"github.com/fetcharr/fetcharr/internal/irc"
	"github.com/fetcharr/fetcharr/internal/mediainfo"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/mktorrent"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/parser"
	"github.com/fetcharr/fetcharr/internal/reloader"
	"github.com/fetcharr/fetcharr/internal/sources"
	"github.com/fetcharr/fetcharr/internal/tracker"
	"github.com/fetcharr/fetcharr/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Setup logger and metrics
	logger := utils.NewLogger(cfg.LogLevel)
	logger.Info("Starting Fetcharr")
	metrics.Register()

	// 3. Initialize state database
	db, err := models.NewDatabase(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("State database initialized")

	// 4. Initialize torrent client
	torrentConfig := torrent.NewDefaultClientConfig()
	torrentConfig.DataDir = cfg.TransientDir
	torrentConfig.Seed = false
	torrentClient, err := torrent.NewClient(torrentConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize torrent client: %w", err)
	}
	defer torrentClient.Close()
	logger.Info("Torrent client initialized")

	// 5. Initialize tracker, mediainfo and torrent creation clients
	trackerClient, err := tracker.NewClient(cfg.TrackerURL, cfg.TrackerUser, cfg.TrackerPass, cfg.ShowsURI, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracker client: %w", err)
	}
	mediainfoClient := mediainfo.NewClient(logger)
	torrentMaker := mktorrent.NewMaker(cfg.TrackerAnnounce, cfg.TrackerSource, logger)
	logger.Info("Tracker clients initialized")

	// 6. Connect IRC networks
	ircManager := irc.NewManager(logger)
	ircManager.Initialize(cfg)
	defer ircManager.Shutdown()

	// 7. Initialize the episode controller
	episodeParser := parser.New(ircManager, logger)
	episodeCtrl := controllers.NewEpisodeController(controllers.EpisodeDeps{
		Store:     db,
		MediaInfo: mediainfoClient,
		Torrents:  torrentMaker,
		Tracker:   trackerClient,
		Announcer: ircManager,
		FetcherDeps: fetcher.Deps{
			TempDir:       cfg.TempDir,
			StorageDir:    cfg.StorageDir,
			TransientDir:  cfg.TransientDir,
			TorrentClient: torrentClient,
			MaxActive:     cfg.TorrentConcurrency,
			Logger:        logger,
		},
		StorageDir: cfg.StorageDir,
		TempDir:    cfg.TempDir,
		TorrentDir: cfg.TorrentDir,
		Logger:     logger,
	})
	logger.Info("Episode controller initialized")

	// 8. Resume episodes interrupted by the previous run
	if err := episodeCtrl.Recover(context.Background()); err != nil {
		logger.WithError(err).Error("Failed to recover interrupted episodes")
	}

	// 9. Start the shows catalog reloader and wire the control channel
	showsCatalog := catalog.NewFetcher(trackerClient, cfg.ShowsFile, logger)
	showsReloader := reloader.New(showsCatalog, sources.Deps{
		Parser:  episodeParser,
		Starter: episodeCtrl,
		IRC:     ircManager,
		Logger:  logger,
	}, logger)
	showsReloader.Start()
	defer showsReloader.Stop()
	ircManager.EnableControl(irc.ControlHandler(showsReloader, logger))
	logger.Info("Shows reloader started")

	// 10. Start HTTP server
	server := api.NewServer(cfg, db, episodeCtrl, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	// 11. Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Fetcharr is running")

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("Error during server shutdown")
		}
	}

	logger.Info("Fetcharr stopped")
	return nil
}
