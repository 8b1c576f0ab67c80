package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/api"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/carelink"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/config"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/integration"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/poller"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/carelink-gateway.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Build vendor credentials
	var (
		creds    models.Credentials
		credsErr error
	)
	if cfg.Carelink.Token != "" {
		creds, credsErr = models.NewTokenCredentials(cfg.Carelink.Country, cfg.Carelink.Token, cfg.Carelink.PatientID)
		log.Info().Msg("Using pre-issued token authentication")
	} else {
		creds, credsErr = models.NewPasswordCredentials(cfg.Carelink.Username, cfg.Carelink.Password, cfg.Carelink.Country, cfg.Carelink.PatientID)
	}
	if credsErr != nil {
		log.Fatal().Err(credsErr).Msg("Invalid credentials")
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := carelink.NewSession(creds, cfg.Poll.RequestTimeout, log.Logger)
	client := carelink.NewClient(session, log.Logger)
	normalizer := carelink.NewNormalizer(cfg.Carelink.DefaultTimezone, log.Logger)

	// Establish the vendor session before anything starts polling
	if err := session.Login(ctx); err != nil {
		log.Fatal().Err(err).Msg("Initial login failed")
	}
	log.Info().Str("country", creds.Country()).Msg("Logged in to vendor account")

	p := poller.New(client, normalizer, cfg.Poll.Interval, cfg.Poll.RequestTimeout, log.Logger)

	// Optional: connect NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("carelink-gateway"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured")
	}

	// Optional: Nightscout relay
	var relay *integration.NightscoutRelay
	if cfg.Nightscout.Enabled {
		relay = integration.NewNightscoutRelay(cfg.Nightscout, log.Logger)
		log.Info().Str("url", cfg.Nightscout.URL).Msg("Nightscout relay enabled")
	}

	// Fan-out forwarder
	if nc != nil || cfg.MQTT.BrokerURL != "" || relay != nil {
		forwarder := integration.NewForwarderService(nc, cfg, relay)
		defer forwarder.Close()
		p.Subscribe(forwarder.Forward)
	}

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start poll loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Start(ctx)
	}()

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, session, p)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Gateway stopped")
}
