package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"locator-go/config"
	"locator-go/fusion"
	"locator-go/rbc"
	"locator-go/readlog"
	"locator-go/server"
	"locator-go/store"
	"locator-go/venue"
	"locator-go/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket feed and UDP reading listener",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("udp", "", "UDP reading listener address (overrides config)")
	serveCmd.Flags().String("redis", "", "Use the redis store at this address (overrides config)")
	serveCmd.Flags().String("replay", "", "Ingest a reading capture at startup")
	serveCmd.Flags().Float64("replay-speed", 0, "Replay speed multiplier (0 for no delay)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("http"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v, _ := cmd.Flags().GetString("udp"); v != "" {
		cfg.UDP.Addr = v
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Store.Driver = config.DriverRedis
		cfg.Store.Redis.Addr = v
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	locator, err := fusion.NewLocator(cfg.LocatorConfig())
	if err != nil {
		return errors.Wrap(err, "locator config")
	}

	hub := web.NewHub(log)
	metrics := web.NewMetrics()
	metrics.RegisterHubGauge(hub)

	opts := []server.Option{
		server.WithLogger(log),
		server.WithPublisher(hub),
		server.WithObserver(metrics),
		server.WithVenueFilter(cfg.Locate.FilterByVenue),
	}

	if len(cfg.Forward) > 0 {
		sender := rbc.NewSender(log)
		for _, f := range cfg.Forward {
			if err := sender.AddTarget(f.Network, f.Addr, rbc.FlagAll); err != nil {
				return errors.Wrapf(err, "forward target %s", f.Addr)
			}
		}
		if err := sender.Start(); err != nil {
			return errors.Wrap(err, "start forwarders")
		}
		defer sender.Stop()
		opts = append(opts, server.WithPublisher(server.NewForwarder(sender)))
	}

	if cfg.Capture != "" {
		w, err := readlog.Create(cfg.Capture)
		if err != nil {
			return errors.Wrap(err, "open capture")
		}
		defer w.Close()
		opts = append(opts, server.WithCapture(w))
		log.WithField("path", cfg.Capture).Info("capturing readings")
	}

	svc := server.NewService(st, locator, opts...)

	if cfg.Venues != "" {
		venues, err := venue.LoadFile(cfg.Venues)
		if err != nil {
			return err
		}
		for _, v := range venues {
			if err := svc.SeedVenue(ctx, v); err != nil {
				return errors.Wrapf(err, "seed venue %s", v.Name)
			}
		}
		log.Infof("Seeded %d venue(s) from %s", len(venues), cfg.Venues)
	}

	if cfg.UDP.Addr != "" {
		udp, err := server.NewUDPServer(cfg.UDP.Addr, svc, log)
		if err != nil {
			return errors.Wrap(err, "udp listener")
		}
		go udp.Serve(ctx)
		defer udp.Stop()
	}

	if path, _ := cmd.Flags().GetString("replay"); path != "" {
		speed, _ := cmd.Flags().GetFloat64("replay-speed")
		go func() {
			if _, err := svc.Replay(ctx, path, speed); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("replay failed")
			}
		}()
	}

	srv := web.NewServer(svc, hub, metrics, log, web.Options{
		StaticDir:      cfg.HTTP.StaticDir,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	if err := srv.Start(ctx, cfg.HTTP.Addr); err != nil {
		return err
	}
	log.Info("locator stopped gracefully")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		r := store.NewRedis(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB,
			store.WithPrefix(cfg.Store.Redis.Prefix),
			store.WithRetention(cfg.Store.Retention),
		)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "redis %s", cfg.Store.Redis.Addr)
		}
		log.WithField("addr", cfg.Store.Redis.Addr).Info("redis store connected")
		return r, nil
	default:
		return store.NewMemory(cfg.Store.Retention), nil
	}
}
