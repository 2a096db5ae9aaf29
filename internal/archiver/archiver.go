// Пакет archiver — движок многодискового размещения. Один рабочий
// цикл состоит из строго упорядоченных фаз: обработка семафоров
// закрытия, возврат брошенной работы, сканирование inbox, размещение
// по копиям, уборка удерживающего кэша. Планирование однопоточное:
// один цикл за раз, без параллелизма между файловыми парами — это
// делает порядок файловых перемещений и конкуренцию за строки каталога
// тривиальными.
package archiver

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/domain/model"
	"github.com/WIPACrepo/datamove/internal/email"
	"github.com/WIPACrepo/datamove/internal/inventory"
	"github.com/WIPACrepo/datamove/internal/status"
	"github.com/WIPACrepo/datamove/internal/storage/stage"
)

// Gateway — операции каталога, нужные движку размещения.
// Реализуется *catalog.Catalog; в тестах подменяется фальшивкой.
type Gateway interface {
	FindFilePairByUUID(ctx context.Context, uuid string) (*model.JadeFilePair, error)
	FindOpenDisk(ctx context.Context, archiveUUID string, hostID int64, copyID int32) (*model.JadeDisk, error)
	FindDiskByUUID(ctx context.Context, uuid string) (*model.JadeDisk, error)
	OpenDisk(ctx context.Context, nd *catalog.NewDisk) (*model.JadeDisk, error)
	NextLabel(ctx context.Context, shortName, archiveUUID string, copyID int32, now time.Time) (string, error)
	RecordPlacement(ctx context.Context, diskID, filePairID, hostID int64, archivedAt time.Time) error
	HasPlacement(ctx context.Context, diskID, filePairID int64) (bool, error)
	CloseDisk(ctx context.Context, uuid string, closedAt time.Time, numFilePairs, sizeFilePairs int64) error
	SetDiskOnHold(ctx context.Context, uuid string) error
	MarkDiskBad(ctx context.Context, uuid string) error
	CountClosedCopies(ctx context.Context, filePairUUID, archiveUUID string) (int, error)
	NumFilePairs(ctx context.Context, diskID int64) (int64, error)
	SizeFilePairs(ctx context.Context, diskID int64) (int64, error)
	ListPlacements(ctx context.Context, diskID int64) ([]catalog.PlacedFilePair, error)
}

// health — итог последнего цикла для построения статуса.
type health struct {
	level   string
	message string
}

// DiskArchiver — движок архивирования на съёмные диски.
type DiskArchiver struct {
	cfg      *config.DatamoveConfig
	sda      *config.SpsDiskArchiverConfig
	gw       Gateway
	inv      *inventory.Inventory
	stage    *stage.Stage
	writer   DiskWriter
	renderer email.Renderer
	sender   email.Sender
	contacts *config.Contacts
	streams  *config.DataStreams
	archives *config.DiskArchives
	host     model.JadeHost
	pub      *status.Publisher
	logger   *slog.Logger

	// health — атомарно заменяемый итог последнего цикла
	health atomic.Pointer[health]
	// extraJanitorPass — закрытие диска в этом цикле просит уборщика
	// пройтись ещё раз
	extraJanitorPass bool

	// hardwareMeta и diskSpace — системные запросы к носителю,
	// подменяемые в тестах
	hardwareMeta func(mountPath string) (string, error)
	diskSpace    func(mountPath string) (free, total int64, err error)
}

// Deps — зависимости конструктора DiskArchiver.
type Deps struct {
	Config   *config.DatamoveConfig
	Gateway  Gateway
	Inventory *inventory.Inventory
	Stage    *stage.Stage
	Writer   DiskWriter
	Renderer email.Renderer
	Sender   email.Sender
	Contacts *config.Contacts
	Streams  *config.DataStreams
	Archives *config.DiskArchives
	Host     model.JadeHost
	Logger   *slog.Logger
}

// New создаёт DiskArchiver.
func New(d Deps) *DiskArchiver {
	da := &DiskArchiver{
		cfg:      d.Config,
		sda:      &d.Config.SpsDiskArchiver,
		gw:       d.Gateway,
		inv:      d.Inventory,
		stage:    d.Stage,
		writer:   d.Writer,
		renderer: d.Renderer,
		sender:   d.Sender,
		contacts: d.Contacts,
		streams:  d.Streams,
		archives: d.Archives,
		host:     d.Host,
		pub:      &status.Publisher{},
		logger:   d.Logger.With(slog.String("component", "disk_archiver")),

		hardwareMeta: inventory.CollectHardwareMetadata,
		diskSpace:    inventory.DiskSpace,
	}
	da.health.Store(&health{level: status.StatusUnknown})
	return da
}

// Publisher возвращает издатель снимков инвентаризации (для статуса).
func (da *DiskArchiver) Publisher() *status.Publisher {
	return da.pub
}

// Run — основной цикл: задержка перед стартом, затем цикл-пауза до
// отмены контекста. Восстановимые ошибки цикла не завершают процесс:
// они логируются, статус становится CRITICAL, следующий цикл пробует
// снова.
func (da *DiskArchiver) Run(ctx context.Context) {
	if delay := da.cfg.ThreadDelayInitial(); delay > 0 {
		da.logger.Info("Задержка перед первым рабочим циклом",
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	for {
		if err := da.RunOnce(ctx); err != nil {
			da.logger.Error("Ошибка рабочего цикла",
				slog.String("error", err.Error()),
			)
		}

		da.logger.Info("Пауза до следующего рабочего цикла",
			slog.Duration("sleep", da.cfg.WorkCycleSleep()),
		)
		select {
		case <-ctx.Done():
			da.logger.Info("Запрошено завершение, рабочий цикл остановлен")
			da.health.Store(&health{level: status.StatusFullStop, message: "рабочий цикл остановлен"})
			return
		case <-time.After(da.cfg.WorkCycleSleep()):
		}
	}
}

// RunOnce выполняет один рабочий цикл: фазы C, R, S, P, затем уборка
// кэша. Восстановимая ошибка прерывает цикл, но не процесс.
func (da *DiskArchiver) RunOnce(ctx context.Context) error {
	start := time.Now()
	da.logger.Info("Начало рабочего цикла")
	da.extraJanitorPass = false

	var alarms []string

	err := func() error {
		// Снимок инвентаризации: классификация всех слотов
		states, err := da.inv.Snapshot(ctx)
		if err != nil {
			return err
		}
		da.pub.Publish(states)
		alarms = collectAlarms(states)

		// Фаза C: операторские семафоры закрытия
		if err := da.closeOnSemaphore(ctx, states); err != nil {
			return err
		}

		// Фаза R: возврат брошенной работы
		if da.sda.ReclaimWork {
			reclaimed, err := da.stage.Reclaim()
			if err != nil {
				return err
			}
			if reclaimed > 0 {
				da.logger.Info("Брошенная работа возвращена в inbox",
					slog.Int("reclaimed", reclaimed),
				)
			}
		}

		// Фаза S: сканирование inbox
		work, err := da.scanInbox(ctx)
		if err != nil {
			return err
		}

		// Фаза P: размещение по копиям
		if err := da.placeAll(ctx, work); err != nil {
			return err
		}

		// Уборка удерживающего кэша
		if err := da.cleanCache(ctx); err != nil {
			return err
		}
		if da.extraJanitorPass {
			if err := da.cleanCache(ctx); err != nil {
				return err
			}
		}

		// Свежий снимок после всех перемещений
		states, err = da.inv.Snapshot(ctx)
		if err != nil {
			return err
		}
		da.pub.Publish(states)
		alarms = collectAlarms(states)
		return nil
	}()

	duration := time.Since(start)
	cycleDuration.Observe(duration.Seconds())

	switch {
	case err != nil && errors.Is(err, catalog.ErrUnavailable):
		cyclesTotal.WithLabelValues("catalog_unavailable").Inc()
		da.health.Store(&health{level: status.StatusCritical, message: "каталог недоступен: " + err.Error()})
	case err != nil:
		cyclesTotal.WithLabelValues("error").Inc()
		da.health.Store(&health{level: status.StatusCritical, message: err.Error()})
	case len(alarms) > 0:
		cyclesTotal.WithLabelValues("ok").Inc()
		da.health.Store(&health{level: status.StatusCritical, message: alarms[0]})
	default:
		cyclesTotal.WithLabelValues("ok").Inc()
		da.health.Store(&health{level: status.StatusOK})
	}

	da.logger.Info("Рабочий цикл завершён",
		slog.Duration("duration", duration),
		slog.Bool("success", err == nil),
	)
	return err
}

// collectAlarms собирает тревоги инвентаризации (повторные серийные
// номера и прочие подозрения на потерю данных).
func collectAlarms(states []inventory.MountState) []string {
	var alarms []string
	for _, st := range states {
		if st.Alarm != "" {
			alarms = append(alarms, st.Alarm)
		}
	}
	return alarms
}

// GetStatus строит снимок состояния по требованию. Безопасен во время
// рабочего цикла: читает только атомарный снимок инвентаризации и
// счётчики директорий.
func (da *DiskArchiver) GetStatus(ctx context.Context) *status.DiskArchiverStatus {
	h := da.health.Load()

	s := &status.DiskArchiverStatus{
		Status:  h.level,
		Message: h.message,
	}

	if age, err := stage.OldestFileAgeSeconds(da.stage.CacheDir); err == nil {
		s.CacheAge = age
	} else {
		da.logger.Error("Не удалось определить возраст кэша", slog.String("error", err.Error()))
	}
	if age, err := stage.OldestFileAgeSeconds(da.stage.InboxDir); err == nil {
		s.InboxAge = age
	} else {
		da.logger.Error("Не удалось определить возраст inbox", slog.String("error", err.Error()))
	}
	if count, err := stage.FileCount(da.stage.ProblemFilesDir); err == nil {
		s.ProblemFileCount = count
	} else {
		da.logger.Error("Не удалось посчитать файлы-проблемы", slog.String("error", err.Error()))
	}

	worker := status.DiskArchiverWorkerStatus{
		ArchivalDisks: map[string]status.Disk{},
	}
	if count, err := stage.FileCount(da.stage.InboxDir); err == nil {
		worker.InboxCount = count
	}

	states := da.pub.Snapshot()
	if states == nil {
		s.Status = status.StatusUnknown
	}
	for i := range states {
		st := &states[i]
		worker.ArchivalDisks[st.Mount.Path] = status.FromMountState(st)
	}
	s.Workers = []status.DiskArchiverWorkerStatus{worker}

	return s
}
