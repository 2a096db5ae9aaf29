// lifecycle.go — жизненный цикл архивного диска: открытие на свободном
// слоте и закрытие по операторскому семафору.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/domain/model"
	"github.com/WIPACrepo/datamove/internal/email"
	"github.com/WIPACrepo/datamove/internal/inventory"
	"github.com/WIPACrepo/datamove/internal/metadata"
)

// openDisk открывает новый архивный диск на свободном слоте: выделяет
// метку, создаёт строку каталога и записывает label.json.
func (da *DiskArchiver) openDisk(ctx context.Context, mount inventory.Mount, archive *config.DiskArchive, copyID int32) (*model.JadeDisk, error) {
	now := time.Now().UTC()

	label, err := da.gw.NextLabel(ctx, archive.ShortName, archive.UUID, copyID, now)
	if err != nil {
		return nil, err
	}

	// Слепок ссылок /dev/disk/by-* — необязательная диагностика
	hardware, err := da.hardwareMeta(mount.Path)
	if err != nil {
		da.logger.Warn("Не удалось собрать hardware metadata",
			slog.String("mount", mount.Path),
			slog.String("error", err.Error()),
		)
		hardware = "{}"
	}

	nd := &catalog.NewDisk{
		Label:            label,
		UUID:             uuid.New().String(),
		SerialNumber:     mount.Serial,
		DiskArchiveUUID:  archive.UUID,
		JadeHostID:       da.host.JadeHostID,
		CopyID:           copyID,
		DevicePath:       mount.Path,
		Capacity:         mount.TotalBytes,
		HardwareMetadata: hardware,
	}

	disk, err := da.gw.OpenDisk(ctx, nd)
	if err != nil {
		if errors.Is(err, catalog.ErrDuplicateLabel) {
			// Гонку создания выиграл другой писатель: перечитываем
			// открытый диск
			da.logger.Warn("Гонка создания диска, перечитываем открытый",
				slog.String("label", label),
			)
			return da.gw.FindOpenDisk(ctx, archive.UUID, da.host.JadeHostID, copyID)
		}
		return nil, err
	}

	if err := da.writer.WriteLabel(mount.Path, disk.UUID); err != nil {
		// Строка каталога уже есть, а метки на носителе нет: диск
		// помечается плохим, чтобы не остаться открытым навсегда
		da.logger.Error("Не удалось записать метку, диск помечается плохим",
			slog.String("disk_uuid", disk.UUID),
			slog.String("mount", mount.Path),
			slog.String("error", err.Error()),
		)
		if badErr := da.gw.MarkDiskBad(ctx, disk.UUID); badErr != nil {
			return nil, badErr
		}
		return nil, fmt.Errorf("не удалось записать метку диска %s: %w", disk.UUID, err)
	}

	disksOpenedTotal.Inc()
	da.logger.Info("Открыт новый архивный диск",
		slog.String("disk_uuid", disk.UUID),
		slog.String("label", disk.Label),
		slog.String("mount", mount.Path),
		slog.String("serial", mount.Serial),
		slog.Int("copy_id", int(copyID)),
	)
	return disk, nil
}

// closeOnSemaphore — фаза C: обработка операторских семафоров закрытия
// на всех слотах. Ошибка закрытия одного диска не мешает остальным:
// семафор остаётся на месте, попытка повторится в следующем цикле.
// Исключение — недоступность каталога (ErrUnavailable): фаза прерывается
// и ошибка возвращается в цикл.
func (da *DiskArchiver) closeOnSemaphore(ctx context.Context, states []inventory.MountState) error {
	for i := range states {
		st := &states[i]
		if !st.Mount.IsMountPoint {
			continue
		}
		semaphorePath := filepath.Join(st.Mount.Path, da.sda.CloseSemaphoreName)
		if _, err := os.Stat(semaphorePath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			da.logger.Error("Не удалось проверить семафор закрытия",
				slog.String("path", semaphorePath),
				slog.String("error", err.Error()),
			)
			continue
		}

		da.logger.Info("Найден семафор закрытия",
			slog.String("path", semaphorePath),
		)
		if err := da.closeDiskByPath(ctx, st); err != nil {
			da.logger.Error("Закрытие диска не удалось, семафор оставлен для повтора",
				slog.String("mount", st.Mount.Path),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, catalog.ErrUnavailable) {
				return err
			}
			continue
		}

		if err := da.writer.RemoveSemaphore(st.Mount.Path, da.sda.CloseSemaphoreName); err != nil {
			da.logger.Error("Не удалось удалить семафор закрытия",
				slog.String("mount", st.Mount.Path),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// closeDiskByPath закрывает диск на слоте: перечитывает строку
// каталога и размещения, пишет манифест, помечает диск закрытым,
// рассылает письмо. Порядок важен: манифест до каталога, перезапись
// манифеста идемпотентна, поэтому повтор после сбоя каталога безопасен.
func (da *DiskArchiver) closeDiskByPath(ctx context.Context, st *inventory.MountState) error {
	mount := st.Mount.Path

	label, err := metadata.ReadLabel(mount)
	if err != nil {
		return err
	}
	if label == nil {
		return fmt.Errorf("семафор закрытия на %s, но метка label.json отсутствует", mount)
	}

	disk, err := da.gw.FindDiskByUUID(ctx, label.UUID)
	if err != nil {
		return err
	}
	log := da.logger.With(
		slog.String("disk_uuid", disk.UUID),
		slog.String("label", disk.Label),
		slog.String("mount", mount),
	)
	log.Info("Закрытие архивного диска")

	// Перечитываем размещения и строим манифест
	placements, err := da.gw.ListPlacements(ctx, disk.JadeDiskID)
	if err != nil {
		return err
	}

	numFilePairs, err := da.gw.NumFilePairs(ctx, disk.JadeDiskID)
	if err != nil {
		return err
	}
	sizeFilePairs, err := da.gw.SizeFilePairs(ctx, disk.JadeDiskID)
	if err != nil {
		return err
	}

	closedAt := time.Now().UTC()
	manifest := metadata.FromJadeDisk(disk)
	manifest.DateUpdated = closedAt.UnixMilli()
	for i := range placements {
		p := &placements[i]
		manifest.Files = append(manifest.Files,
			metadata.FromJadeFilePair(&p.FilePair, da.host.HostName, p.DiskCount))
	}

	// Консистентностная проба: файлы на носителе, которых каталог не
	// знает, всплывают как проблемные, а не теряются молча
	da.probeOrphans(mount, disk, placements)

	if err := da.writer.WriteManifest(mount, &manifest); err != nil {
		return fmt.Errorf("запись манифеста не удалась, диск остаётся открытым: %w", err)
	}

	if err := da.gw.CloseDisk(ctx, disk.UUID, closedAt, numFilePairs, sizeFilePairs); err != nil {
		return err
	}
	disksClosedTotal.Inc()
	log.Info("Диск закрыт в каталоге",
		slog.Int64("num_file_pairs", numFilePairs),
		slog.Int64("size_file_pairs", sizeFilePairs),
	)

	if err := da.sendDiskClosedEmail(disk, numFilePairs, sizeFilePairs, closedAt); err != nil {
		return fmt.Errorf("письмо о закрытии диска не отправлено: %w", err)
	}

	// Уборщику кэша есть что проверить в этом же цикле
	da.extraJanitorPass = true
	return nil
}

// probeOrphans сверяет содержимое носителя со списком размещений
// каталога и логирует сиротские директории файловых пар.
func (da *DiskArchiver) probeOrphans(mount string, disk *model.JadeDisk, placements []catalog.PlacedFilePair) {
	known := make(map[string]bool, len(placements))
	for i := range placements {
		known[placements[i].FilePair.JadeFilePairUUID] = true
	}

	entries, err := os.ReadDir(mount)
	if err != nil {
		da.logger.Error("Консистентностная проба: не удалось прочитать носитель",
			slog.String("mount", mount),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		if !known[entry.Name()] {
			da.logger.Error("Сирота на архивном диске: директория без размещения в каталоге",
				slog.String("disk_uuid", disk.UUID),
				slog.String("mount", mount),
				slog.String("file_pair_uuid", entry.Name()),
			)
		}
	}
}

// sendDiskClosedEmail рендерит и отправляет письмо о заполненном диске
// администраторам и зимовщикам.
func (da *DiskArchiver) sendDiskClosedEmail(disk *model.JadeDisk, numFilePairs, sizeFilePairs int64, closedAt time.Time) error {
	archive := da.archives.ForUUID(disk.DiskArchiveUUID)
	archiveName := disk.DiskArchiveUUID
	if archive != nil {
		archiveName = archive.Description
	}

	rate, err := email.RateBytesSec(disk.DateCreated, closedAt, sizeFilePairs)
	if err != nil {
		da.logger.Warn("Не удалось вычислить скорость записи диска",
			slog.String("disk_uuid", disk.UUID),
			slog.String("error", err.Error()),
		)
		rate = 0
	}

	free, total := int64(0), int64(0)
	if f, t, spaceErr := da.diskSpace(disk.DevicePath); spaceErr == nil {
		free, total = f, t
	}

	ec := email.DiskClosedContext{
		Hostname:    da.host.HostName,
		ArchiveName: archiveName,
		Disk: email.EmailDisk{
			ID:          disk.JadeDiskID,
			Label:       disk.Label,
			CopyID:      disk.CopyID,
			UUID:        disk.UUID,
			DateCreated: disk.DateCreated.Format(email.EmailDateFormat),
			DateUpdated: closedAt.Format(email.EmailDateFormat),
			Path:        disk.DevicePath,
		},
		NumFilePairs:  numFilePairs,
		SizeFilePairs: sizeFilePairs,
		RateBytesSec:  rate,
		FreeBytes:     free,
		TotalBytes:    total,
	}

	// Сводка ёмкости по классам слотов из последнего снимка
	for _, st := range da.pub.Snapshot() {
		entry := st.Mount.Path
		if st.Disk != nil {
			entry = fmt.Sprintf("%s ID:%d [%s]", st.Mount.Path, st.Disk.JadeDiskID, archiveName)
		}
		switch st.Class {
		case model.DiskNotMounted:
			ec.NotMountedPaths = append(ec.NotMountedPaths, entry)
		case model.DiskNotUsable:
			ec.NotUsablePaths = append(ec.NotUsablePaths, entry)
		case model.DiskAvailable:
			ec.AvailablePaths = append(ec.AvailablePaths, entry)
		case model.DiskInUse:
			ec.InUsePaths = append(ec.InUsePaths, entry)
		case model.DiskFinished:
			ec.FinishedPaths = append(ec.FinishedPaths, entry)
		}
	}

	body, err := da.renderer.Render(email.CloseDiskTemplate, &ec)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("jade заполнил архивный диск: %s", disk.Label)
	recipients := da.contacts.DiskFullRecipients()
	return da.sender.Send(subject, body, recipients)
}
