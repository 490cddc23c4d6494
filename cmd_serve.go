package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"smart_bays/internal/api"
	"smart_bays/internal/api/handler"
	"smart_bays/internal/api/middleware"
	"smart_bays/internal/billing"
	"smart_bays/internal/clock"
	"smart_bays/internal/config"
	"smart_bays/internal/egress"
	"smart_bays/internal/iot"
	"smart_bays/internal/notify"
	"smart_bays/internal/service"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsgo_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, device ingest and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg())
		},
	}
}

func newDedup(cfg *config.Config, clk clock.Clock) (notify.Dedup, func(), error) {
	if cfg.RedisAddr == "" {
		d, err := notify.NewLRUDedup(10000, cfg.DedupTTL, clk)
		return d, func() {}, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("Notifier: dedup keys in redis at %s", cfg.RedisAddr)
	return notify.NewRedisDedup(rdb, "bbsm:notify:", cfg.DedupTTL), func() { rdb.Close() }, nil
}

func iotEndpoint(raw string) string {
	if !strings.HasPrefix(raw, "https://") && !strings.HasPrefix(raw, "http://") {
		return "https://" + raw
	}
	return raw
}

func runServe(ctx context.Context, cfg *config.Config) error {
	h, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer h.close()

	catalog, err := config.LoadCatalog(cfg.BaysFile)
	switch {
	case err == nil:
		n, err := seedBays(ctx, h.store, catalog)
		if err != nil {
			return err
		}
		log.Printf("Serve: %d new bays from %s", n, cfg.BaysFile)
	case cfg.StoreDriver == "memory":
		return fmt.Errorf("memory store needs a bay catalog: %w", err)
	default:
		log.Printf("Serve: no bay catalog loaded, using bays already in the database: %v", err)
	}

	clk := clock.NewSystem()
	pool := egress.NewPool(egress.Config{
		Workers:    cfg.EgressWorkers,
		QueueSize:  cfg.EgressQueue,
		JobTimeout: cfg.CommandTimeout,
	})
	defer pool.Close()

	dedup, closeDedup, err := newDedup(cfg, clk)
	if err != nil {
		return err
	}
	defer closeDedup()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsManager := handler.NewWebSocketManager()
	wg.Add(1)
	go func() {
		defer wg.Done()
		wsManager.Start(runCtx)
	}()
	notifier := notify.New(dedup, notify.LogSink{}, wsManager)

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("smart-bays"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("nats %s: %w", cfg.NATSURL, err)
		}
		defer nc.Drain()
		notifier.AddSink(notify.NewNATSSink(nc, cfg.NATSSubject, 3))
		log.Printf("Notifier: publishing to nats subject %s", cfg.NATSSubject)
	}

	var awsCfg aws.Config
	if cfg.SQSEventQueueURL != "" || cfg.IoTMQTTEndpoint != "" {
		awsCfg, err = awsgo_config.LoadDefaultConfig(ctx, awsgo_config.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		log.Printf("Serve: AWS SDK config loaded for region %s", cfg.AWSRegion)
	}

	var leds service.LedController = iot.NewLogLedController()
	if cfg.IoTMQTTEndpoint != "" {
		client := iotdataplane.NewFromConfig(awsCfg, func(o *iotdataplane.Options) {
			o.BaseEndpoint = aws.String(iotEndpoint(cfg.IoTMQTTEndpoint))
		})
		shadow := iot.NewShadowLedController(client, cfg.DefaultThingName)
		bays, err := h.store.ListBays(ctx)
		if err != nil {
			return err
		}
		shadow.Register(bays)
		leds = shadow
	} else {
		log.Println("Serve: IOT_MQTT_ENDPOINT not set, LED states are only logged")
	}

	ledger := service.NewWalletLedger(h.store, clk, notifier, pool)
	machine := service.NewBookingMachine(h.store, clk, ledger, billing.DefaultPricing(), leds, notifier, pool, service.MachineConfig{
		GraceWindow:       cfg.GraceWindow,
		ReservationWindow: cfg.ReservationWindow,
		MinBalance:        cfg.MinBalance,
		MaxRetries:        cfg.ConflictRetries,
		RetryBackoff:      5 * time.Millisecond,
	})
	coord := service.NewCoordinator(machine)
	defer coord.Close()
	ingest := service.NewSensorIngest(h.store, clk, coord, cfg.SensorFreshness)
	reconciler := service.NewReconciler(h.store, clk, coord, cfg.ReconcileInterval, cfg.SensorFreshness)
	deviceEvents := iot.NewDeviceEventService(ingest, h.store, h.events, clk)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reconciler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Reconciler: stopped: %v", err)
		}
	}()

	if cfg.SQSEventQueueURL != "" {
		consumer := iot.NewSQSConsumer(sqs.NewFromConfig(awsCfg), cfg.SQSEventQueueURL, deviceEvents)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Start(runCtx)
		}()
	} else {
		log.Println("Serve: SQS_EVENT_QUEUE_URL not set, SQS consumer disabled")
	}

	if cfg.MQTTBroker != "" {
		sub, err := iot.NewMQTTSubscriber(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, deviceEvents)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	router := api.SetupRouter(api.Deps{
		Coordinator:    coord,
		Ledger:         ledger,
		Ingest:         ingest,
		Auth:           middleware.NewAuthMiddleware(cfg.JWTSecret),
		Limiter:        middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		WSManager:      wsManager,
		CommandTimeout: cfg.CommandTimeout,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server listening on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down server...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shut down: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		log.Println("Background workers stopped.")
	case <-time.After(5 * time.Second):
		log.Println("Background workers did not stop in time.")
	}
	log.Println("Server stopped.")
	return nil
}
