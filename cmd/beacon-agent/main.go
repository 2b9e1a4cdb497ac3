package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SableFox/SafeBeacon/config"
	"github.com/joho/godotenv"
)

func main() {
	// .env опционален: в контейнере всё приходит через окружение
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunAgent(ctx, cfg, defaultFactories()); err != nil && err != context.Canceled {
		panic(err)
	}
}
