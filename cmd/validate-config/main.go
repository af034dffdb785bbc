package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/vladimiradmaev/health-importer/internal/config"
)

func main() {
	configPath := flag.String("config", "", "YAML config file applied over the environment")
	flag.Parse()

	fmt.Println("🔍 Проверка конфигурации...")

	// Загружаем .env файл если есть
	if err := godotenv.Load(); err != nil {
		fmt.Printf("⚠️  .env файл не найден: %v\n", err)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Printf("❌ Ошибка валидации конфигурации:\n%v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ Конфигурация валидна!")
	fmt.Printf("📋 Детали конфигурации:\n")
	fmt.Printf("  - DB Host: %s\n", cfg.DB.Host)
	fmt.Printf("  - DB Port: %s\n", cfg.DB.Port)
	fmt.Printf("  - DB User: %s\n", cfg.DB.User)
	fmt.Printf("  - DB Password: %s\n", maskToken(cfg.DB.Password))
	fmt.Printf("  - DB Name: %s\n", cfg.DB.DBName)
	fmt.Printf("  - DB SSL Mode: %s\n", cfg.DB.SSLMode)
	fmt.Printf("  - Commit Every: %d\n", cfg.Import.CommitEvery)
	fmt.Printf("  - Duplicate Policy: %s\n", cfg.Import.DuplicatePolicy)
	fmt.Printf("  - Strict Integers: %t\n", cfg.Import.StrictIntegers)
	fmt.Printf("  - Upload Dir: %s\n", cfg.Import.UploadDir)
	if cfg.Redis.Enabled() {
		fmt.Printf("  - Redis: %s:%s (db %d, lock ttl %s)\n", cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.DB, cfg.Redis.LockTTL)
	} else {
		fmt.Printf("  - Redis: %s\n", "<не установлен>")
	}
	fmt.Printf("  - Telegram Token: %s\n", maskToken(cfg.Telegram.Token))
	fmt.Printf("  - Telegram Chat ID: %d\n", cfg.Telegram.ChatID)
	fmt.Printf("  - Metrics Addr: %s\n", valueOrUnset(cfg.Metrics.Addr))
	fmt.Printf("  - Log Level: %v\n", cfg.Logger.Level)
	fmt.Printf("  - Log Output: %s\n", cfg.Logger.OutputPath)
	fmt.Printf("  - Log Format: %s\n", cfg.Logger.Format)
}

func maskToken(token string) string {
	if token == "" {
		return "<не установлен>"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrUnset(v string) string {
	if v == "" {
		return "<не установлен>"
	}
	return v
}
