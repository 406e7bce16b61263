package app

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"fooddelivery/internal/orders/config"
	"fooddelivery/internal/orders/httpapi"
	"fooddelivery/internal/orders/order"
	"fooddelivery/internal/orders/storage"
	"fooddelivery/internal/orders/websocket"
	"fooddelivery/pkg/contracts"
	"fooddelivery/pkg/logging"
	"fooddelivery/pkg/logship"
	"fooddelivery/pkg/messaging"
	"fooddelivery/pkg/telemetry"
)

const serviceName = "orders-service"

// topology is re-declared on every connect.
var topology = messaging.Topology{
	Queues:      []string{contracts.QueuePaymentProcess, contracts.QueuePaymentResult},
	LogExchange: logship.DefaultExchange,
	LogQueue:    logship.DefaultQueue,
}

type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown telemetry.ShutdownFunc
	broker   *messaging.Manager
	store    *storage.Store
	wsHub    *websocket.Hub
	orderSvc *order.Service
	consumer *messaging.Consumer
	sweeper  *order.Sweeper
	httpSrv  *http.Server
}

func New(ctx context.Context, cfg *config.Config, base *zap.Logger) (*App, error) {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: serviceName, Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		return nil, err
	}

	shipLevel, err := zapcore.ParseLevel(cfg.Log.ShipLevel)
	if err != nil {
		return nil, errors.Wrap(err, "parse ship level")
	}

	broker := messaging.NewManager(messaging.ManagerConfig{
		URL:            cfg.Rabbit.URL,
		ReconnectDelay: cfg.Rabbit.ReconnectDelay,
		Setup:          topology.Declare,
	}, base.Named("broker"))
	logger := logging.Tee(base, logship.NewCore(broker, logship.DefaultExchange, serviceName, shipLevel))
	broker.UseLogger(logger.Named("broker"))
	if err := broker.Connect(); err != nil {
		logger.Warn("broker unavailable at startup, retrying in background", zap.Error(err))
	}

	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}

	wsHub := websocket.NewHub(logger.Named("ws"))
	publisher := messaging.NewPublisher(broker, logger.Named("publisher"))
	orderSvc := order.NewService(store, publisher, wsHub, cfg.Payment.Currency, logger.Named("order"))

	consumer := messaging.NewConsumer(broker, messaging.ConsumerConfig{
		Queue:         contracts.QueuePaymentResult,
		Prefetch:      cfg.Rabbit.Prefetch,
		MaxDeliveries: cfg.Rabbit.MaxDeliveries,
		RetryDelay:    cfg.Rabbit.ReconnectDelay,
	}, logger.Named("consumer"))

	sweeper := order.NewSweeper(orderSvc, cfg.Payment.Timeout, cfg.Payment.SweepInterval, cfg.Payment.SweepBatch, logger.Named("sweeper"))

	wsHandler := websocket.NewHandler(wsHub, orderSvc, logger.Named("ws"))
	api := httpapi.NewServer(serviceName, orderSvc, broker, wsHandler.ServeWS, logger.Named("http"))

	return &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown,
		broker:   broker,
		store:    store,
		wsHub:    wsHub,
		orderSvc: orderSvc,
		consumer: consumer,
		sweeper:  sweeper,
		httpSrv:  &http.Server{Addr: cfg.HTTPAddr, Handler: api},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.wsHub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.consumer.Start(ctx, a.orderSvc.HandleMessage)
	})
	g.Go(func() error {
		return a.sweeper.Run(ctx)
	})
	g.Go(func() error {
		a.logger.Info("orders http server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()

	a.store.Close()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
	_ = a.broker.Close()
}

func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(serviceName, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "init app")
	}
	defer app.Close()

	return app.Run(ctx)
}
