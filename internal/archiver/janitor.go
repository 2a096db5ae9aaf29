// janitor.go — уборщик удерживающего кэша. Файл может покинуть кэш
// только тогда, когда каталог подтверждает: для каждого целевого
// архива существует не меньше N закрытых неплохих копий. Удаление —
// unlink с fsync родительской директории.
package archiver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/storage/stage"
)

// cleanCache выполняет один проход уборщика по удерживающему кэшу.
func (da *DiskArchiver) cleanCache(ctx context.Context) error {
	da.logger.Info("Уборка удерживающего кэша",
		slog.String("cache_dir", da.stage.CacheDir),
	)

	names, err := da.stage.ListCache()
	if err != nil {
		return err
	}

	checked, deleted := 0, 0
	for _, name := range names {
		fpUUID, err := stage.ExtractFilePairUUID(name, da.sda.KeyPrefix)
		if err != nil {
			// В кэш файлы кладёт только сам архиватор; неразбираемое
			// имя — странность, о которой стоит знать, но не повод
			// ничего удалять
			da.logger.Warn("Файл кэша с неразбираемым именем оставлен на месте",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		checked++

		removable, err := da.isReplicated(ctx, fpUUID)
		if err != nil {
			return err
		}
		if !removable {
			continue
		}

		if err := da.stage.DeleteFromCache(name); err != nil {
			return err
		}
		cacheDeletesTotal.Inc()
		deleted++
		da.logger.Info("Файл удалён из удерживающего кэша",
			slog.String("file", name),
			slog.String("file_pair_uuid", fpUUID),
		)
	}

	da.logger.Info("Уборка кэша завершена",
		slog.Int("checked", checked),
		slog.Int("deleted", deleted),
	)
	return nil
}

// isReplicated проверяет порог репликации пары: каждый архив её потока
// данных должен сообщить счётчик закрытых копий >= своего N. Пара с
// удалённой из конфигурации записью потока остаётся в кэше с
// предупреждением.
func (da *DiskArchiver) isReplicated(ctx context.Context, fpUUID string) (bool, error) {
	fp, err := da.gw.FindFilePairByUUID(ctx, fpUUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			da.logger.Warn("Файл кэша без строки каталога оставлен на месте",
				slog.String("file_pair_uuid", fpUUID),
			)
			return false, nil
		}
		return false, err
	}

	ds := da.streams.ForUUID(fp.JadeDataStreamUUID)
	if ds == nil {
		da.logger.Warn("Поток данных файла кэша удалён из конфигурации, файл оставлен",
			slog.String("file_pair_uuid", fpUUID),
			slog.String("data_stream_uuid", fp.JadeDataStreamUUID),
		)
		return false, nil
	}

	for _, archiveUUID := range ds.Archives {
		archive := da.archives.ForUUID(archiveUUID)
		if archive == nil {
			da.logger.Warn("Дисковый архив файла кэша удалён из конфигурации, файл оставлен",
				slog.String("file_pair_uuid", fpUUID),
				slog.String("archive_uuid", archiveUUID),
			)
			return false, nil
		}
		count, err := da.gw.CountClosedCopies(ctx, fpUUID, archiveUUID)
		if err != nil {
			return false, err
		}
		if count < archive.NumCopies {
			return false, nil
		}
	}
	return true, nil
}
