// Точка входа catalog-storage — хранилища записей каталога
// с раздельными публичной и закрытой областями.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/catalog-storage/internal/api/handlers"
	"github.com/bigkaa/goartstore/catalog-storage/internal/config"
	"github.com/bigkaa/goartstore/catalog-storage/internal/server"
	"github.com/bigkaa/goartstore/catalog-storage/internal/service"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("catalog-storage запускается",
		slog.String("version", config.Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("port", cfg.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Хранилище: откат незавершённых WAL-транзакций и построение индекса
	storage, err := service.New(ctx, service.Options{
		DataDir:      cfg.DataDir,
		WALDir:       cfg.WALDir,
		CacheSize:    cfg.CacheSize,
		CacheTTL:     cfg.CacheTTL,
		SortLanguage: cfg.SortLanguage,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Сверка при старте исправляет следы прерванных операций
	reconcileSvc := service.NewReconcileService(storage, cfg.ReconcileInterval, logger)
	if result, _ := reconcileSvc.RunOnce(ctx); result != nil && len(result.Issues) > 0 {
		logger.Warn("Стартовая сверка обнаружила расхождения", slog.Int("issues", len(result.Issues)))
	}

	// 3. Фоновые процессы
	gcSvc := service.NewGCService(storage, cfg.GCInterval, cfg.TempMaxAge, logger)
	gcSvc.Start(ctx)
	reconcileSvc.Start(ctx)

	// 4. Служебный HTTP-сервер
	health := handlers.NewHealthHandler(cfg.DataDir, cfg.WALDir, storage, reconcileSvc)
	srv := server.New(cfg, logger, health)

	runErr := srv.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	gcSvc.Stop()
	reconcileSvc.Stop()

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("catalog-storage остановлен")
}
