// cycle.go — фазы сканирования и размещения рабочего цикла.
//
// Детерминизм: файловые пары обрабатываются по возрастанию
// jade_file_pair_id, архивы — в порядке конфигурации, номера копий —
// по возрастанию, свободные слоты выбираются лексикографически по пути
// монтирования. Это делает отладку оператором воспроизводимой.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/domain/model"
	"github.com/WIPACrepo/datamove/internal/inventory"
	"github.com/WIPACrepo/datamove/internal/storage/stage"
)

// errNoAvailableDisk — мягкое условие: свободный слот отсутствует,
// копия пропускается и будет повторена в следующем цикле.
var errNoAvailableDisk = errors.New("нет доступного диска")

// workItem — единица работы фазы размещения.
type workItem struct {
	fileName string
	filePair *model.JadeFilePair
}

// cycleState — состояние одного цикла размещения: остатки свободного
// места по слотам и ещё не занятые свободные слоты.
type cycleState struct {
	freeByMount map[string]int64
	available   []inventory.Mount
}

// newCycleState строит состояние цикла из снимка инвентаризации.
func newCycleState(states []inventory.MountState) *cycleState {
	cs := &cycleState{freeByMount: map[string]int64{}}
	for _, st := range states {
		switch st.Class {
		case model.DiskInUse:
			cs.freeByMount[st.Mount.Path] = st.Mount.FreeBytes
		case model.DiskAvailable:
			cs.freeByMount[st.Mount.Path] = st.Mount.FreeBytes
			cs.available = append(cs.available, st.Mount)
		}
	}
	sort.Slice(cs.available, func(i, j int) bool {
		return cs.available[i].Path < cs.available[j].Path
	})
	return cs
}

// claimAvailable забирает лексикографически первый свободный слот.
func (cs *cycleState) claimAvailable() (inventory.Mount, bool) {
	if len(cs.available) == 0 {
		return inventory.Mount{}, false
	}
	m := cs.available[0]
	cs.available = cs.available[1:]
	return m, true
}

// scanInbox — фаза S: перенос пригодных файлов inbox в work.
// Записи с неразбираемым UUID или без строки каталога уходят в
// карантин с файлом-причиной; цикл продолжается.
func (da *DiskArchiver) scanInbox(ctx context.Context) ([]workItem, error) {
	names, err := da.stage.ListInbox(da.sda.KeyPrefix)
	if err != nil {
		return nil, err
	}

	var work []workItem
	for _, name := range names {
		fpUUID, err := stage.ExtractFilePairUUID(name, da.sda.KeyPrefix)
		if err != nil {
			da.logger.Warn("Файл inbox отправлен в карантин",
				slog.String("file", name),
				slog.String("reason", err.Error()),
			)
			if qErr := da.stage.Quarantine(da.stage.InboxDir, name, "разбор UUID файловой пары не удался: "+err.Error()); qErr != nil {
				return nil, qErr
			}
			problemFilesTotal.Inc()
			continue
		}

		fp, err := da.gw.FindFilePairByUUID(ctx, fpUUID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				da.logger.Warn("Файловая пара не найдена в каталоге, файл в карантин",
					slog.String("file", name),
					slog.String("file_pair_uuid", fpUUID),
				)
				if qErr := da.stage.Quarantine(da.stage.InboxDir, name, "файловая пара "+fpUUID+" не найдена в каталоге"); qErr != nil {
					return nil, qErr
				}
				problemFilesTotal.Inc()
				continue
			}
			return nil, err
		}

		if err := da.stage.MoveToWork(name); err != nil {
			return nil, err
		}
		work = append(work, workItem{fileName: name, filePair: fp})
	}

	// Обработка по возрастанию идентификатора пары
	sort.Slice(work, func(i, j int) bool {
		return work[i].filePair.JadeFilePairID < work[j].filePair.JadeFilePairID
	})
	return work, nil
}

// placeAll — фаза P: размещение каждой пары на все требуемые копии.
func (da *DiskArchiver) placeAll(ctx context.Context, work []workItem) error {
	states := da.pub.Snapshot()
	cs := newCycleState(states)

	for _, item := range work {
		if err := da.placeFilePair(ctx, cs, &item); err != nil {
			return err
		}
	}
	return nil
}

// placeFilePair размещает одну пару. После успешной записи всех копий
// файл переезжает из work в удерживающий кэш; при частичном размещении
// он остаётся в work и вернётся в очередь фазой R следующего цикла
// (запись размещений идемпотентна).
func (da *DiskArchiver) placeFilePair(ctx context.Context, cs *cycleState, item *workItem) error {
	fp := item.filePair
	log := da.logger.With(slog.String("file_pair_uuid", fp.JadeFilePairUUID))

	ds := da.streams.ForUUID(fp.JadeDataStreamUUID)
	if ds == nil {
		log.Warn("Поток данных пары не найден в конфигурации, файл в карантин",
			slog.String("data_stream_uuid", fp.JadeDataStreamUUID),
		)
		if err := da.stage.Quarantine(da.stage.WorkDir, item.fileName, "поток данных "+fp.JadeDataStreamUUID+" отсутствует в dataStreams.json"); err != nil {
			return err
		}
		problemFilesTotal.Inc()
		return nil
	}

	allPlaced := true
	for _, archiveUUID := range ds.Archives {
		archive := da.archives.ForUUID(archiveUUID)
		if archive == nil {
			log.Warn("Дисковый архив потока не найден в конфигурации",
				slog.String("archive_uuid", archiveUUID),
			)
			allPlaced = false
			continue
		}

		for copyID := int32(1); copyID <= int32(archive.NumCopies); copyID++ {
			placed, err := da.placeCopy(ctx, cs, item, archive, copyID)
			if err != nil {
				if errors.Is(err, errNoAvailableDisk) {
					log.Warn("Нет доступного диска, копия будет повторена в следующем цикле",
						slog.String("archive", archive.Name),
						slog.Int("copy_id", int(copyID)),
					)
					noAvailableDiskTotal.Inc()
					allPlaced = false
					continue
				}
				// Файловая ошибка: пара в карантин, цикл продолжается
				log.Error("Ошибка записи на архивный диск, файл в карантин",
					slog.String("archive", archive.Name),
					slog.Int("copy_id", int(copyID)),
					slog.String("error", err.Error()),
				)
				if qErr := da.stage.Quarantine(da.stage.WorkDir, item.fileName,
					fmt.Sprintf("запись копии %d архива %s не удалась: %v", copyID, archive.Name, err)); qErr != nil {
					return qErr
				}
				problemFilesTotal.Inc()
				return nil
			}
			if !placed {
				allPlaced = false
			}
		}
	}

	if allPlaced {
		if err := da.stage.MoveToCache(item.fileName); err != nil {
			return err
		}
		log.Info("Все копии записаны, файл переведён в удерживающий кэш",
			slog.String("file", item.fileName),
		)
	}
	return nil
}

// placeCopy записывает одну копию пары. Возвращает (false, nil) при
// мягком пропуске (диск логически заполнен) и errNoAvailableDisk при
// отсутствии свободного слота.
func (da *DiskArchiver) placeCopy(ctx context.Context, cs *cycleState, item *workItem, archive *config.DiskArchive, copyID int32) (bool, error) {
	fp := item.filePair

	disk, err := da.ensureOpenDisk(ctx, cs, archive, copyID)
	if err != nil {
		return false, err
	}

	// Повтор после аварии: размещение могло быть записано до сбоя
	already, err := da.gw.HasPlacement(ctx, disk.JadeDiskID, fp.JadeFilePairID)
	if err != nil {
		return false, err
	}
	if already {
		return true, nil
	}

	mount := disk.DevicePath
	free, known := cs.freeByMount[mount]
	if !known {
		// Открытый диск каталога физически не в слоте
		da.logger.Warn("Открытый диск не найден среди смонтированных слотов",
			slog.String("disk_uuid", disk.UUID),
			slog.String("mount", mount),
		)
		return false, errNoAvailableDisk
	}

	// Резерв ёмкости: диск логически заполнен, операторам пора его
	// закрыть
	if free-fp.ArchiveSize < da.sda.ArchiveHeadroom {
		if !disk.OnHold {
			if err := da.gw.SetDiskOnHold(ctx, disk.UUID); err != nil {
				return false, err
			}
			da.logger.Warn("Диск логически заполнен и поставлен on_hold",
				slog.String("disk_uuid", disk.UUID),
				slog.String("label", disk.Label),
				slog.Int64("free_bytes", free),
				slog.Int64("archive_size", fp.ArchiveSize),
			)
		}
		return false, nil
	}

	srcPath := filepath.Join(da.stage.WorkDir, item.fileName)
	checksum, err := da.writer.WriteFilePair(mount, fp.JadeFilePairUUID, srcPath, fp.ArchiveFile)
	if err != nil {
		return false, err
	}
	// Сверка с каталожным SHA-512: расхождение значит, что содержимое
	// испортилось где-то между производителем и носителем
	if fp.ArchiveChecksum != "" && checksum != fp.ArchiveChecksum {
		return false, fmt.Errorf("контрольная сумма записанной копии не совпала с каталожной: ожидалось %s, получено %s",
			fp.ArchiveChecksum, checksum)
	}

	if err := da.gw.RecordPlacement(ctx, disk.JadeDiskID, fp.JadeFilePairID, da.host.JadeHostID, time.Now().UTC()); err != nil {
		return false, err
	}

	cs.freeByMount[mount] = free - fp.ArchiveSize
	placementsTotal.Inc()
	placedBytesTotal.Add(float64(fp.ArchiveSize))

	da.logger.Info("Копия записана",
		slog.String("file_pair_uuid", fp.JadeFilePairUUID),
		slog.String("disk_uuid", disk.UUID),
		slog.String("label", disk.Label),
		slog.Int("copy_id", int(copyID)),
	)
	return true, nil
}

// ensureOpenDisk возвращает открытый диск для (архив, копия), при
// необходимости открывая новый на лексикографически первом свободном
// слоте. Отсутствие свободного слота — errNoAvailableDisk.
func (da *DiskArchiver) ensureOpenDisk(ctx context.Context, cs *cycleState, archive *config.DiskArchive, copyID int32) (*model.JadeDisk, error) {
	disk, err := da.gw.FindOpenDisk(ctx, archive.UUID, da.host.JadeHostID, copyID)
	if err == nil {
		return disk, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	mount, ok := cs.claimAvailable()
	if !ok {
		return nil, errNoAvailableDisk
	}
	return da.openDisk(ctx, mount, archive, copyID)
}
