// Пакет inventory — инвентаризация слотов со съёмными дисками.
// Для каждого сконфигурированного пути монтирования собираются факты
// (точка монтирования, свободное место, серийный номер устройства,
// метка label.json) и выводится классификация: NotMounted, NotUsable,
// Available, InUse или Finished.
//
// Проверка повторного появления серийного номера — критическая: она
// обнаруживает случайно переформатированные диски. Сработавшая проверка
// делает слот NotUsable и поднимает громкую тревогу в статусе.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/domain/model"
	"github.com/WIPACrepo/datamove/internal/metadata"
)

// Mount — наблюдение одного слота. Живёт одно обновление статуса,
// никогда не персистится.
type Mount struct {
	// Path — сконфигурированный путь монтирования
	Path string
	// IsMountPoint — путь действительно является точкой монтирования
	// (голые директории отвергаются: почти наверняка это ошибка
	// конфигурации)
	IsMountPoint bool
	// Writable — канарейка записи прошла успешно
	Writable bool
	// Serial — серийный номер устройства; пустая строка = неизвестен
	Serial string
	// FreeBytes и TotalBytes — статистика файловой системы
	FreeBytes  int64
	TotalBytes int64
}

// MountState — классифицированный слот.
type MountState struct {
	Mount Mount
	// Class — итоговая классификация слота
	Class model.DiskStatus
	// Disk — строка каталога, если метка указала на известный диск
	Disk *model.JadeDisk
	// Alarm — сообщение тревоги (повторный серийный номер и т.п.);
	// непустая тревога переводит статус архиватора в CRITICAL
	Alarm string
}

// CatalogView — узкое окно в каталог, нужное инвентаризации.
type CatalogView interface {
	// FindDiskByUUID возвращает диск по UUID или catalog.ErrNotFound.
	FindDiskByUUID(ctx context.Context, uuid string) (*model.JadeDisk, error)
	// RecentDiskForSerial возвращает самый свежий диск с данным
	// серийным номером или nil, если номер каталогу не известен.
	RecentDiskForSerial(ctx context.Context, serial string) (*model.JadeDisk, int64, error)
}

// Prober собирает сырые факты об одном слоте.
type Prober interface {
	Probe(path string) Mount
}

// Inventory — инвентаризация слотов по списку путей монтирования.
type Inventory struct {
	paths   []string
	view    CatalogView
	prober  Prober
	hostID  int64
	minAge  int64
	logger  *slog.Logger
}

// New создаёт инвентаризацию. paths — объединение путей всех дисковых
// архивов; minAgeSeconds — окно защиты серийных номеров.
func New(paths []string, view CatalogView, prober Prober, hostID int64, minAgeSeconds int64, logger *slog.Logger) *Inventory {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	if prober == nil {
		prober = SysProber{}
	}
	return &Inventory{
		paths:  sorted,
		view:   view,
		prober: prober,
		hostID: hostID,
		minAge: minAgeSeconds,
		logger: logger.With(slog.String("component", "inventory")),
	}
}

// Paths возвращает отсортированный список путей монтирования.
func (inv *Inventory) Paths() []string {
	return inv.paths
}

// Snapshot классифицирует все слоты. Порядок — лексикографический по
// пути монтирования: он задаёт детерминизм выбора дисков.
func (inv *Inventory) Snapshot(ctx context.Context) ([]MountState, error) {
	states := make([]MountState, 0, len(inv.paths))
	for _, path := range inv.paths {
		state, err := inv.classify(ctx, path)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// classify выводит классификацию одного слота. Порядок проверок
// фиксирован; первая сработавшая определяет результат.
func (inv *Inventory) classify(ctx context.Context, path string) (MountState, error) {
	m := inv.prober.Probe(path)
	state := MountState{Mount: m}

	// Не точка монтирования или нечитаемый путь
	if !m.IsMountPoint {
		state.Class = model.DiskNotMounted
		return state, nil
	}

	// Нет прав записи — использовать нельзя
	if !m.Writable {
		state.Class = model.DiskNotUsable
		inv.logger.Error("Слот недоступен для записи",
			slog.String("mount", path),
		)
		return state, nil
	}

	// Неизвестный серийный номер — потенциальная потеря данных
	if m.Serial == "" {
		state.Class = model.DiskNotUsable
		state.Alarm = fmt.Sprintf("не удалось определить серийный номер устройства на %s", path)
		return state, nil
	}

	label, err := metadata.ReadLabel(path)
	if err != nil {
		inv.logger.Error("Не удалось прочитать метку диска",
			slog.String("mount", path),
			slog.String("error", err.Error()),
		)
		state.Class = model.DiskNotUsable
		return state, nil
	}

	// Серийный номер появился повторно внутри защитного окна для
	// другого UUID: похоже на случайно переформатированный диск
	recent, ageSeconds, err := inv.view.RecentDiskForSerial(ctx, m.Serial)
	if err != nil {
		return state, err
	}
	if recent != nil && ageSeconds < inv.minAge {
		if label == nil || label.UUID != recent.UUID {
			state.Class = model.DiskNotUsable
			state.Alarm = fmt.Sprintf(
				"серийный номер %s уже использовался %d секунд назад диском %s: возможен случайный переформат",
				m.Serial, ageSeconds, recent.UUID)
			inv.logger.Error("Повторное появление серийного номера внутри защитного окна",
				slog.String("mount", path),
				slog.String("serial", m.Serial),
				slog.String("disk_uuid", recent.UUID),
				slog.Int64("age_seconds", ageSeconds),
			)
			return state, nil
		}
	}

	// Пустой корректно смонтированный диск доступен для открытия
	if label == nil {
		state.Class = model.DiskAvailable
		return state, nil
	}

	disk, err := inv.view.FindDiskByUUID(ctx, label.UUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			state.Class = model.DiskNotUsable
			state.Alarm = fmt.Sprintf("метка %s на %s не найдена в каталоге", label.UUID, path)
			return state, nil
		}
		return state, err
	}
	state.Disk = disk

	switch {
	case disk.Closed:
		state.Class = model.DiskFinished
	case disk.Bad:
		state.Class = model.DiskNotUsable
	case disk.JadeHostID != inv.hostID:
		state.Class = model.DiskNotUsable
		state.Alarm = fmt.Sprintf("диск %s на %s привязан к другому хосту", disk.UUID, path)
	default:
		state.Class = model.DiskInUse
	}
	return state, nil
}
