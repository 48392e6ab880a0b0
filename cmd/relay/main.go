package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"teleconsult/native/internal/config"
	"teleconsult/native/internal/relay"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	listen := pflag.String("listen", "", "listen address, overrides config")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	_ = flag.CommandLine.Parse(nil)
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Exitf("[main] %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Infof("[main] received %s, shutting down", sig)
		cancel()
	}()

	var presence relay.Presence
	if cfg.RedisAddr != "" {
		rp, err := relay.NewRedisPresence(ctx, relay.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			glog.Exitf("[main] %v", err)
		}
		glog.Infof("[main] room presence in redis at %s", cfg.RedisAddr)
		presence = rp
	}

	issuer := relay.NewIssuer(cfg.JWTSecret, cfg.TTL(), "/ws", cfg.ICEServers())
	if !issuer.Enabled() {
		glog.Warningf("[main] no JWT secret configured, signaling is open to anyone")
	}

	srv := relay.NewServer(relay.Options{
		AllowedOrigins: cfg.Origins(),
		RoomCapacity:   cfg.RoomCapacity,
		SignalPath:     "/ws",
		Presence:       presence,
		Issuer:         issuer,
	})
	defer srv.Close()

	if err := srv.Run(ctx, cfg.ListenAddr); err != nil {
		glog.Errorf("[main] %v", err)
		return
	}
	glog.Infof("[main] done")
}
