package main

import (
	"context"
	"e2e_call/config"
	"e2e_call/internal/repository/keystore"
	"e2e_call/internal/service/app"
	"e2e_call/internal/service/call"
	"e2e_call/internal/utils/log"
	"e2e_call/internal/webrtc"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config path] <username> <peer>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	username, peerName := flag.Arg(0), flag.Arg(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logFile := cfg.Logger.File
	if logFile == "" {
		logFile = "client.log"
	}
	if err := log.Init(cfg.Logger.Level, cfg.Logger.Development, logFile); err != nil {
		panic(err)
	}
	defer log.Sync()

	keys, err := keystore.OpenSQLite(cfg.KeyStore.Path)
	if err != nil {
		log.Fatal("open key store failed", zap.Error(err))
	}
	defer keys.Close()

	a := app.NewApp(app.Options{
		API:     app.NewAPI(cfg.Client.ServerHost, cfg.Client.Secure, nil),
		Keys:    keys,
		NewPeer: webrtc.NewFactory(cfg.WebRTC.STUNServers),
		NewStream: func(callID string) (call.MediaStream, error) {
			track, err := webrtc.NewAudioTrack(callID)
			if err != nil {
				return nil, err
			}
			return call.Stream{track}, nil
		},
		RingTimeout: cfg.WebRTC.RingTimeout,
	})

	if err := a.Run(context.Background(), username, peerName); err != nil {
		log.Error("client stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
	}
	a.Stop()
}
