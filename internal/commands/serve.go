package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/klabast/wb-services/bir-tomming/internal/app"
	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/config"
	"github.com/klabast/wb-services/bir-tomming/internal/mqttpub"
	"github.com/klabast/wb-services/bir-tomming/internal/pickup"
	"github.com/klabast/wb-services/bir-tomming/internal/sensor"
)

const (
	// Startup retries for login and the broker connection.
	startupRetryDelay    = 5 * time.Second
	startupRetryMaxDelay = 5 * time.Minute

	deviceName = "BIR tømmekalender"
)

func newServeCommand(g *globals) *cobra.Command {
	var noMQTT bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Track pickups and serve them over HTTP (and MQTT)",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := g.dir()
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			return serve(cmd.Context(), g.logger, hd, noMQTT)
		},
	}
	cmd.Flags().BoolVar(&noMQTT, "no-mqtt", false, "do not connect to the configured MQTT broker")
	return cmd
}

func serve(ctx context.Context, logger *slog.Logger, hd config.Dir, noMQTT bool) error {
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	store := config.NewStore(hd.ConfigPath())
	cfg, err := store.LoadOrDefault()
	if err != nil {
		return err
	}
	if cfg.Entry == nil {
		return fmt.Errorf("no address configured in %s, run \"bir-tomming setup --address ...\" first", store.Path())
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	logger.Info("loaded config", "address", cfg.Entry.Address, "property_id", cfg.Entry.AddressID)

	client := birclient.New(birclient.Config{
		Credentials: cfg.Credentials(),
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.RequestTimeout.Duration,
		Logger:      logger,
	})
	if err := retryUntilDone(ctx, logger, "login", func() error {
		return client.Initialize(ctx)
	}); err != nil {
		return err
	}

	agg, err := pickup.New(pickup.Config{
		Fetcher:        client,
		PropertyID:     cfg.Entry.AddressID,
		Location:       loc,
		HorizonDays:    cfg.HorizonDays,
		UpdateInterval: cfg.UpdateInterval.Duration,
		Cooldown:       cfg.RefreshCooldown.Duration,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer agg.Close()

	registry := sensor.NewRegistry(cfg.Entry.Address, loc)
	updates := make(chan struct{}, 1)
	agg.AddListener(func() {
		for _, s := range registry.Update(agg.Data()) {
			logger.Info("sensor added", "unique_id", s.UniqueID)
		}
		notifyUpdate(updates)
	})

	auth, err := app.LoadAuth(hd.AuthPath(), logger)
	if err != nil {
		return err
	}
	srv, err := app.New(app.Options{
		Source:  agg,
		Sensors: registry,
		Config:  cfg,
		Auth:    auth,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	// A failed first refresh is not fatal; the schedule keeps trying.
	if _, err := agg.Refresh(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("initial refresh failed", "error", err)
	}
	if err := agg.Start(); err != nil {
		return err
	}

	useMQTT := cfg.MQTT.Enabled() && !noMQTT
	mqttCfg := cfg.MQTT
	var clientID string
	if useMQTT {
		if clientID, err = hd.InstanceID(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx, cfg.ListenAddr)
	})

	if useMQTT {
		g.Go(func() error {
			return publishSensors(gctx, logger, mqttCfg, clientID, registry, updates)
		})
	}

	current := cfg
	watcher := config.NewWatcher(store, cfg, func(next *config.Config) {
		applyConfig(gctx, logger, current, next, agg, registry, srv)
		current = next
	}, logger)
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// applyConfig moves the running components to a reloaded config. Listener
// and broker settings are read once at startup.
func applyConfig(ctx context.Context, logger *slog.Logger, prev, next *config.Config, agg *pickup.Aggregator, registry *sensor.Registry, srv *app.Server) {
	if next.Entry == nil {
		logger.Warn("config reload has no address, keeping the current one")
		return
	}
	if err := srv.SetConfig(next); err != nil {
		logger.Error("config reload rejected", "error", err)
		return
	}
	if next.ListenAddr != prev.ListenAddr || next.MQTT != prev.MQTT || next.Timezone != prev.Timezone ||
		next.HorizonDays != prev.HorizonDays || next.UpdateInterval != prev.UpdateInterval {
		logger.Warn("some changed settings take effect after a restart")
	}

	if prev.Entry == nil || *prev.Entry != *next.Entry {
		logger.Info("address changed", "address", next.Entry.Address, "property_id", next.Entry.AddressID)
		registry.SetAddress(next.Entry.Address)
		agg.SetProperty(next.Entry.AddressID)
	}
	go func() {
		if err := agg.RequestRefresh(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("refresh after config reload failed", "error", err)
		}
	}()
}

// publishSensors mirrors the registry to the broker after every refresh.
func publishSensors(ctx context.Context, logger *slog.Logger, cfg config.MQTT, clientID string, registry *sensor.Registry, updates chan struct{}) error {
	var pub *mqttpub.Publisher
	err := retryUntilDone(ctx, logger, "mqtt connect", func() error {
		var err error
		pub, err = mqttpub.Connect(ctx, mqttpub.Options{
			Broker:          cfg.Broker,
			ClientID:        clientID,
			Username:        cfg.Username,
			Password:        cfg.Password,
			TopicPrefix:     cfg.TopicPrefix,
			DiscoveryPrefix: cfg.DiscoveryPrefix,
			DeviceName:      deviceName,
			OnConnect:       func() { notifyUpdate(updates) },
			Logger:          logger,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer pub.Close()

	var published []string
	publish := func() {
		sensors := registry.Sensors()
		ids := make([]string, 0, len(sensors))
		for _, s := range sensors {
			ids = append(ids, s.UniqueID)
		}
		var gone []string
		for _, id := range published {
			if !slices.Contains(ids, id) {
				gone = append(gone, id)
			}
		}
		if len(gone) > 0 {
			if err := pub.Forget(ctx, gone); err != nil {
				logger.Warn("removing sensors from broker failed", "error", err)
			}
		}
		if err := pub.Publish(ctx, registry.Address(), sensors); err != nil {
			logger.Warn("publishing sensors failed", "error", err)
			return
		}
		published = ids
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			publish()
		}
	}
}

// notifyUpdate queues one update without blocking.
func notifyUpdate(updates chan<- struct{}) {
	select {
	case updates <- struct{}{}:
	default:
	}
}

// retryUntilDone runs fn with exponential backoff until it succeeds or ctx
// ends.
func retryUntilDone(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(startupRetryDelay),
		retry.MaxDelay(startupRetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn(op+" failed, retrying", "attempt", n+1, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
