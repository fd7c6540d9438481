package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/api"
	"github.com/talus-framework/talus-master/pkg/config"
	"github.com/talus-framework/talus-master/pkg/leader"
	"github.com/talus-framework/talus-master/pkg/logging"
	"github.com/talus-framework/talus-master/pkg/master"
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

	var elector *leader.Election
	if len(cfg.Etcd.Endpoints) > 0 {
		elector, err = leader.New(cfg.Etcd.Endpoints, cfg.Etcd.ElectionKey,
			cfg.Master.Hostname, cfg.Etcd.SessionTTL)
		if err != nil {
			log.Fatal("etcd election setup failed", zap.Error(err))
		}
	}

	m := master.New(cfg, nil, elector, log.Named("master"))
	m.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.New(m, log.Named("api")).SetupRoutes(router)

	server := &http.Server{Addr: cfg.Master.Listen, Handler: router}
	go func() {
		log.Info("master listening", zap.String("addr", cfg.Master.Listen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	server.Close()
	m.Stop()
}
