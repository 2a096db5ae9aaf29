// disk.go — операции каталога над строками jade_disk и связями
// диск<->файловая пара.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/WIPACrepo/datamove/internal/domain/model"
)

// diskColumns — список столбцов jade_disk в порядке scanDisk.
const diskColumns = `jade_disk_id, bad, capacity, closed, copy_id,
	date_created, date_updated, device_path, label, on_hold, uuid,
	version, jade_host_id, disk_archive_uuid, serial_number,
	hardware_metadata, num_file_pairs, size_file_pairs`

// scanDisk читает строку jade_disk.
func scanDisk(row pgx.Row) (*model.JadeDisk, error) {
	var d model.JadeDisk
	err := row.Scan(
		&d.JadeDiskID, &d.Bad, &d.Capacity, &d.Closed, &d.CopyID,
		&d.DateCreated, &d.DateUpdated, &d.DevicePath, &d.Label, &d.OnHold, &d.UUID,
		&d.Version, &d.JadeHostID, &d.DiskArchiveUUID, &d.SerialNumber,
		&d.HardwareMetadata, &d.NumFilePairs, &d.SizeFilePairs,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения строки jade_disk: %w", err)
	}
	return &d, nil
}

// NewDisk — параметры создания строки диска.
type NewDisk struct {
	Label            string
	UUID             string
	SerialNumber     string
	DiskArchiveUUID  string
	JadeHostID       int64
	CopyID           int32
	DevicePath       string
	Capacity         int64
	HardwareMetadata string
}

// CreateDisk вставляет строку открытого диска внутри транзакции tx.
// Конфликт уникальности метки возвращается как ErrDuplicateLabel:
// параллельный писатель успел открыть диск первым, и вызывающий код
// восстанавливается повторным чтением открытого диска.
func (c *Catalog) CreateDisk(ctx context.Context, tx DBTX, nd *NewDisk) (*model.JadeDisk, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO jade_disk (
			bad, capacity, closed, copy_id, date_created, date_updated,
			device_path, label, on_hold, uuid, version, jade_host_id,
			disk_archive_uuid, serial_number, hardware_metadata
		) VALUES (
			FALSE, $1, FALSE, $2, now(), now(),
			$3, $4, FALSE, $5, 0, $6,
			$7, $8, $9
		)
		RETURNING `+diskColumns,
		nd.Capacity, nd.CopyID,
		nd.DevicePath, nd.Label, nd.UUID, nd.JadeHostID,
		nd.DiskArchiveUUID, nd.SerialNumber, nd.HardwareMetadata,
	)
	disk, err := scanDisk(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLabel, nd.Label)
		}
		return nil, fmt.Errorf("ошибка создания диска %s: %w", nd.Label, err)
	}
	c.logger.Info("Создана строка каталога для нового диска",
		slog.String("disk_uuid", disk.UUID),
		slog.String("label", disk.Label),
		slog.Int("copy_id", int(disk.CopyID)),
	)
	return disk, nil
}

// FindOpenDisk возвращает открытый диск для (архив, хост, копия) или
// ErrNotFound. Открытый = closed=false, bad=false.
func (c *Catalog) FindOpenDisk(ctx context.Context, archiveUUID string, hostID int64, copyID int32) (*model.JadeDisk, error) {
	var disk *model.JadeDisk
	err := c.withRetry(ctx, "find_open_disk", func(ctx context.Context) error {
		row := c.pool.QueryRow(ctx, `
			SELECT `+diskColumns+`
			FROM jade_disk
			WHERE disk_archive_uuid = $1
			  AND jade_host_id = $2
			  AND copy_id = $3
			  AND NOT closed AND NOT bad`,
			archiveUUID, hostID, copyID,
		)
		var err error
		disk, err = scanDisk(row)
		return err
	})
	return disk, err
}

// FindDiskByUUID возвращает диск по UUID или ErrNotFound.
func (c *Catalog) FindDiskByUUID(ctx context.Context, uuid string) (*model.JadeDisk, error) {
	var disk *model.JadeDisk
	err := c.withRetry(ctx, "find_disk_by_uuid", func(ctx context.Context) error {
		row := c.pool.QueryRow(ctx, `
			SELECT `+diskColumns+` FROM jade_disk WHERE uuid = $1`, uuid)
		var err error
		disk, err = scanDisk(row)
		return err
	})
	return disk, err
}

// FindDiskByUUIDCached — вариант FindDiskByUUID через LRU-кэш с TTL.
// Используется инвентаризацией слотов (через CachedView), чтобы снимок
// не ходил в каталог за каждым слотом; остальные операции рабочего цикла
// читают каталог напрямую.
func (c *Catalog) FindDiskByUUIDCached(ctx context.Context, uuid string) (*model.JadeDisk, error) {
	if disk, ok := c.diskCache.Get(uuid); ok {
		return disk, nil
	}
	disk, err := c.FindDiskByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	c.diskCache.Add(uuid, disk)
	return disk, nil
}

// InvalidateDiskCache выбрасывает диск из кэша строк дисков (после записи).
func (c *Catalog) InvalidateDiskCache(uuid string) {
	c.diskCache.Remove(uuid)
}

// AddPlacement добавляет связь диск<->файловая пара внутри транзакции.
// Повтор после сбоя идемпотентен: существующая связь не дублируется.
func (c *Catalog) AddPlacement(ctx context.Context, tx DBTX, diskID, filePairID int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO jade_map_disk_to_file_pair (jade_disk_id, jade_file_pair_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		diskID, filePairID,
	)
	if err != nil {
		return fmt.Errorf("ошибка добавления размещения (диск %d, пара %d): %w", diskID, filePairID, err)
	}
	return nil
}

// CloseDisk помечает диск закрытым и фиксирует финальные агрегаты.
// Выполняется в одной транзакции; повтор после сбоя безопасен.
func (c *Catalog) CloseDisk(ctx context.Context, uuid string, closedAt time.Time, numFilePairs, sizeFilePairs int64) error {
	err := c.RunInTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jade_disk
			SET closed = TRUE,
			    date_updated = $2,
			    num_file_pairs = $3,
			    size_file_pairs = $4,
			    version = version + 1
			WHERE uuid = $1 AND NOT closed`,
			uuid, closedAt, numFilePairs, sizeFilePairs,
		)
		if err != nil {
			return fmt.Errorf("ошибка закрытия диска %s: %w", uuid, err)
		}
		if tag.RowsAffected() == 0 {
			// Диск уже закрыт: повтор после сбоя на шаге каталога
			c.logger.Warn("Диск уже закрыт в каталоге",
				slog.String("disk_uuid", uuid),
			)
		}
		return nil
	})
	if err == nil {
		c.InvalidateDiskCache(uuid)
	}
	return err
}

// SetDiskOnHold помечает диск логически заполненным: операторам пора
// закрыть его и заменить.
func (c *Catalog) SetDiskOnHold(ctx context.Context, uuid string) error {
	err := c.RunInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE jade_disk
			SET on_hold = TRUE, date_updated = now(), version = version + 1
			WHERE uuid = $1`,
			uuid,
		)
		if err != nil {
			return fmt.Errorf("ошибка установки on_hold для диска %s: %w", uuid, err)
		}
		return nil
	})
	if err == nil {
		c.InvalidateDiskCache(uuid)
	}
	return err
}

// MarkDiskBad помечает диск плохим; его размещения перестают
// учитываться при очистке кэша.
func (c *Catalog) MarkDiskBad(ctx context.Context, uuid string) error {
	err := c.RunInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE jade_disk
			SET bad = TRUE, date_updated = now(), version = version + 1
			WHERE uuid = $1`,
			uuid,
		)
		if err != nil {
			return fmt.Errorf("ошибка пометки диска %s плохим: %w", uuid, err)
		}
		return nil
	})
	if err == nil {
		c.InvalidateDiskCache(uuid)
	}
	return err
}

// NumFilePairs возвращает число файловых пар, размещённых на диске.
func (c *Catalog) NumFilePairs(ctx context.Context, diskID int64) (int64, error) {
	var count int64
	err := c.withRetry(ctx, "num_file_pairs", func(ctx context.Context) error {
		return c.pool.QueryRow(ctx, `
			SELECT count(DISTINCT jade_file_pair_id)
			FROM jade_map_disk_to_file_pair
			WHERE jade_disk_id = $1`,
			diskID,
		).Scan(&count)
	})
	return count, err
}

// SizeFilePairs возвращает суммарный размер архивных файлов на диске.
func (c *Catalog) SizeFilePairs(ctx context.Context, diskID int64) (int64, error) {
	var size int64
	err := c.withRetry(ctx, "size_file_pairs", func(ctx context.Context) error {
		return c.pool.QueryRow(ctx, `
			SELECT COALESCE(sum(fp.archive_size), 0)
			FROM jade_map_disk_to_file_pair m
			JOIN jade_file_pair fp ON fp.jade_file_pair_id = m.jade_file_pair_id
			WHERE m.jade_disk_id = $1`,
			diskID,
		).Scan(&size)
	})
	return size, err
}

// RecentDiskForSerial возвращает самый свежий диск с данным серийным
// номером и возраст его последнего использования в секундах. Если
// номер каталогу не известен — (nil, 0, nil).
func (c *Catalog) RecentDiskForSerial(ctx context.Context, serial string) (*model.JadeDisk, int64, error) {
	var disk *model.JadeDisk
	var age int64
	err := c.withRetry(ctx, "recent_disk_for_serial", func(ctx context.Context) error {
		row := c.pool.QueryRow(ctx, `
			SELECT `+diskColumns+`,
			       EXTRACT(EPOCH FROM (now() - date_updated))::bigint
			FROM jade_disk
			WHERE serial_number = $1
			ORDER BY date_updated DESC
			LIMIT 1`,
			serial,
		)
		var d model.JadeDisk
		err := row.Scan(
			&d.JadeDiskID, &d.Bad, &d.Capacity, &d.Closed, &d.CopyID,
			&d.DateCreated, &d.DateUpdated, &d.DevicePath, &d.Label, &d.OnHold, &d.UUID,
			&d.Version, &d.JadeHostID, &d.DiskArchiveUUID, &d.SerialNumber,
			&d.HardwareMetadata, &d.NumFilePairs, &d.SizeFilePairs,
			&age,
		)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка чтения jade_disk по серийному номеру %s: %w", serial, err)
		}
		disk = &d
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return disk, age, nil
}

// ListPlacements возвращает все файловые пары, размещённые на диске,
// вместе с числом известных каталогу размещений каждой пары.
// Порядок — по возрастанию jade_file_pair_id.
func (c *Catalog) ListPlacements(ctx context.Context, diskID int64) ([]PlacedFilePair, error) {
	var placed []PlacedFilePair
	err := c.withRetry(ctx, "list_placements", func(ctx context.Context) error {
		rows, err := c.pool.Query(ctx, `
			SELECT `+filePairColumns(`fp`)+`,
			       (SELECT count(*) FROM jade_map_disk_to_file_pair m2
			        WHERE m2.jade_file_pair_id = fp.jade_file_pair_id)
			FROM jade_map_disk_to_file_pair m
			JOIN jade_file_pair fp ON fp.jade_file_pair_id = m.jade_file_pair_id
			WHERE m.jade_disk_id = $1
			ORDER BY fp.jade_file_pair_id`,
			diskID,
		)
		if err != nil {
			return fmt.Errorf("ошибка чтения размещений диска %d: %w", diskID, err)
		}
		defer rows.Close()

		placed = placed[:0]
		for rows.Next() {
			var p PlacedFilePair
			if err := scanFilePairInto(rows, &p.FilePair, &p.DiskCount); err != nil {
				return err
			}
			placed = append(placed, p)
		}
		return rows.Err()
	})
	return placed, err
}

// PlacedFilePair — файловая пара с числом её размещений в каталоге.
type PlacedFilePair struct {
	FilePair  model.JadeFilePair
	DiskCount int32
}
