package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/client"
	"github.com/talus-framework/talus-master/pkg/config"
	"github.com/talus-framework/talus-master/pkg/logging"
	"github.com/talus-framework/talus-master/pkg/slave"
)

func main() {
	configPath := flag.String("config", os.Getenv("TALUS_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logging.New(&cfg.Log)
	defer log.Sync()

	hostname, _ := os.Hostname()
	id := cfg.Slave.ID
	if id == "" {
		id = "slave-" + hostname
	}
	advertise := cfg.Slave.AdvertiseURL
	if advertise == "" {
		advertise = "http://" + hostname + cfg.Slave.Listen
	}

	agent := slave.New(client.New(cfg.Slave.MasterURL), slave.Options{
		ID:           id,
		Hostname:     hostname,
		AdvertiseURL: advertise,
		Capacity:     cfg.Slave.Capacity,
	}, log.Named("slave"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Register(ctx); err != nil {
		log.Fatal("registration failed", zap.Error(err))
	}
	go agent.RunHeartbeats(ctx, cfg.Slave.HeartbeatInterval.Duration)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	agent.SetupRoutes(router)

	server := &http.Server{Addr: cfg.Slave.Listen, Handler: router}
	go func() {
		log.Info("slave listening",
			zap.String("worker_id", id),
			zap.String("addr", cfg.Slave.Listen),
			zap.Int("capacity", cfg.Slave.Capacity))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down", zap.String("worker_id", id))
	cancel()
	server.Close()
	agent.Wait()
}
