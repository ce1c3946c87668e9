package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/moratsam/imgqueue/depl/backend"
	"github.com/moratsam/imgqueue/jobstoreapi"
)

var (
	appName = "imgqueue-jobstore"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	// Settings may also come from a .env file in the working directory.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithField("err", err).Warn("unable to load .env file")
	}

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "job-store-uri",
			Value:  "in-memory://",
			EnvVar: "JOB_STORE_URI",
			Usage:  "The URI for connecting to the job store (supported URIs: in-memory://, postgresql://..., redis://...)",
		},
		cli.IntFlag{
			Name:   "grpc-port",
			Value:  8080,
			EnvVar: "GRPC_PORT",
			Usage:  "The port for exposing the gRPC endpoints for accessing the job store",
		},
		cli.IntFlag{
			Name:   "pprof-port",
			Value:  6060,
			EnvVar: "PPROF_PORT",
			Usage:  "The port for exposing pprof and metrics endpoints",
		},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	var wg sync.WaitGroup
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	store, err := backend.JobStore(ctx, appCtx.String("job-store-uri"), logger)
	if err != nil {
		return err
	}
	defer backend.Close(store)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("grpc-port")))
	if err != nil {
		return err
	}
	defer func() { _ = grpcListener.Close() }()

	srv := grpc.NewServer()
	jobstoreapi.RegisterJobStoreService(srv, jobstoreapi.NewJobStoreServer(store))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	logger.WithField("port", appCtx.Int("grpc-port")).Info("listening for gRPC connections")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(grpcListener); err != nil {
			logger.WithField("err", err).Error("gRPC server exited with error")
			cancelFn()
		}
	}()

	// Start pprof server
	pprofListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("pprof-port")))
	if err != nil {
		return err
	}
	defer func() { _ = pprofListener.Close() }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.WithField("port", appCtx.Int("pprof-port")).Info("listening for pprof requests")
		http.Handle("/metrics", promhttp.Handler())
		srv := new(http.Server)
		_ = srv.Serve(pprofListener)
	}()

	// Start signal watcher
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Infof("shutting down due to signal")
		case <-ctx.Done():
		}
		healthSrv.Shutdown()
		srv.GracefulStop()
		_ = pprofListener.Close()
	}()

	// Keep running until we receive a signal
	wg.Wait()
	return nil
}
