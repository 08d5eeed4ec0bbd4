package main

import (
	"context"
	"e2e_call/config"
	"e2e_call/internal/repository/directory"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/repository/user"
	"e2e_call/internal/service/redis"
	"e2e_call/internal/service/server"
	"e2e_call/internal/utils/log"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.Logger.Level, cfg.Logger.Development); err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	redisSvc := redis.NewRedis(rdb)
	if err := redisSvc.Ping(ctx); err != nil {
		log.Fatal("connect redis failed", zap.Error(err))
	}

	store := relay.NewMongo(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		log.Fatal("create relay indexes failed", zap.Error(err))
	}

	userRepo := user.NewUserRepo(db)
	if err := userRepo.EnsureIndexes(ctx); err != nil {
		log.Fatal("create user indexes failed", zap.Error(err))
	}

	srv := server.NewHttpServer(cfg.Server, store, directory.NewRedis(redisSvc), userRepo)
	if err := srv.Run(ctx); err != nil {
		log.Fatal("relay server stopped", zap.Error(err))
	}
	log.Info("relay server stopped")
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
