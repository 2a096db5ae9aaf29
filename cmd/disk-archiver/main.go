// Точка входа Disk Archiver — конвейера архивирования на съёмные диски.
//
// Коды завершения:
//
//	0 — штатное завершение (включая RUN_ONCE_AND_DIE)
//	1 — фатальная ошибка конфигурации
//	2 — фатальная ошибка каталога при старте; также ошибка единственного
//	    рабочего цикла в режиме RUN_ONCE_AND_DIE
//	3 — фатальная ошибка ввода-вывода при старте
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/WIPACrepo/datamove/internal/archiver"
	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/email"
	"github.com/WIPACrepo/datamove/internal/inventory"
	"github.com/WIPACrepo/datamove/internal/server"
	"github.com/WIPACrepo/datamove/internal/storage/stage"
)

func main() {
	// Загрузка конфигурации: TOML плюс JSON-справочники
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		fmt.Fprintf(os.Stderr, "Не задана переменная окружения %s\n", config.EnvConfigPath)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Disk Archiver запускается",
		slog.String("version", config.Version),
		slog.String("config", configPath),
		slog.Int("status_port", cfg.SpsDiskArchiver.StatusPort),
	)

	contacts, err := config.LoadContacts(cfg.SpsDiskArchiver.ContactsJSONPath)
	if err != nil {
		logger.Error("Ошибка загрузки contacts.json", slog.String("error", err.Error()))
		os.Exit(1)
	}
	streams, err := config.LoadDataStreams(cfg.SpsDiskArchiver.DataStreamsJSONPath)
	if err != nil {
		logger.Error("Ошибка загрузки dataStreams.json", slog.String("error", err.Error()))
		os.Exit(1)
	}
	archives, err := config.LoadDiskArchives(cfg.SpsDiskArchiver.DiskArchivesJSONPath)
	if err != nil {
		logger.Error("Ошибка загрузки diskArchives.json", slog.String("error", err.Error()))
		os.Exit(1)
	}

	renderer, err := email.NewTemplateRenderer(cfg.SpsDiskArchiver.TeraTemplateGlob)
	if err != nil {
		logger.Error("Ошибка компиляции шаблонов писем", slog.String("error", err.Error()))
		os.Exit(1)
	}

	writer, err := archiver.NewDiskWriter(cfg.SpsDiskArchiver.DiskWriter)
	if err != nil {
		logger.Error("Ошибка выбора варианта записи", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Каталог: миграции схемы, пул подключений, регистрация хоста
	if err := catalog.Migrate(&cfg.JadeDatabase, logger); err != nil {
		logger.Error("Ошибка миграций каталога", slog.String("error", err.Error()))
		os.Exit(2)
	}
	cat, err := catalog.Connect(ctx, &cfg.JadeDatabase, logger)
	if err != nil {
		logger.Error("Ошибка подключения к каталогу", slog.String("error", err.Error()))
		os.Exit(2)
	}
	defer cat.Close()

	host, err := cat.EnsureHost(ctx, shortHostname())
	if err != nil {
		logger.Error("Ошибка регистрации хоста", slog.String("error", err.Error()))
		os.Exit(2)
	}

	// Промежуточные директории и инвентаризация слотов
	sda := &cfg.SpsDiskArchiver
	st := stage.New(sda.InboxDir, sda.WorkDir, sda.CacheDir, sda.ProblemFilesDir)
	if _, err := stage.FileCount(sda.InboxDir); err != nil {
		logger.Error("Ошибка доступа к inbox", slog.String("error", err.Error()))
		os.Exit(3)
	}

	var mountPaths []string
	seen := map[string]bool{}
	for _, da := range archives.Archives {
		for _, p := range da.Paths {
			if !seen[p] {
				seen[p] = true
				mountPaths = append(mountPaths, p)
			}
		}
	}
	inv := inventory.New(mountPaths, cat.CachedView(), nil, host.JadeHostID,
		sda.MinimumDiskAgeSeconds, logger)

	sender := email.NewSMTPSender(&cfg.EmailConfiguration, logger)

	da := archiver.New(archiver.Deps{
		Config:    cfg,
		Gateway:   cat,
		Inventory: inv,
		Stage:     st,
		Writer:    writer,
		Renderer:  renderer,
		Sender:    sender,
		Contacts:  contacts,
		Streams:   streams,
		Archives:  archives,
		Host:      *host,
		Logger:    logger,
	})

	srv := server.New(sda.StatusPort, da, logger)
	srv.Start()
	defer srv.Shutdown()

	if config.RunOnceAndDie() {
		logger.Info("Режим RUN_ONCE_AND_DIE: один рабочий цикл")
		if err := da.RunOnce(ctx); err != nil {
			logger.Error("Рабочий цикл завершился с ошибкой",
				slog.String("error", err.Error()),
			)
			os.Exit(2)
		}
		return
	}

	da.Run(ctx)
	logger.Info("Disk Archiver завершён")
}

// shortHostname возвращает короткое имя хоста (до первой точки).
func shortHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		return hostname[:i]
	}
	return hostname
}
