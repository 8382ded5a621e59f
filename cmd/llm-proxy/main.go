package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/internal/proxy"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Warning: Error loading .env file: %v\n", err)
	}

	logx.Init(logx.Options{
		Environment: logx.ParseEnvironment(os.Getenv("LOG_ENV")),
		Level:       os.Getenv("LOG_LEVEL"),
	})

	cfg, err := proxy.LoadConfig()
	if err != nil {
		logx.Fatal().Err(err).Msg("invalid proxy configuration")
	}
	if cfg.LLMAPIKey == "" {
		logx.Warn().Msg("NRP_API_KEY environment variable not set")
	}
	if cfg.ProxyKey == "" {
		logx.Warn().Msg("PROXY_KEY environment variable not set")
	}
	if logx.ParseEnvironment(os.Getenv("LOG_ENV")) == logx.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := proxy.New(cfg).Run(ctx); err != nil {
		logx.Error().Err(err).Msg("proxy stopped")
		os.Exit(1)
	}
}
