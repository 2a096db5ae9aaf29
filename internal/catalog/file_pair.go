// file_pair.go — операции каталога над строками jade_file_pair.
// Архиватор никогда не создаёт и не удаляет файловые пары: он только
// находит их по UUID, записывает размещения и проставляет отметку об
// архивировании.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/WIPACrepo/datamove/internal/domain/model"
)

// filePairColumns — список столбцов jade_file_pair с псевдонимом
// таблицы, в порядке scanFilePairInto.
func filePairColumns(alias string) string {
	cols := []string{
		"jade_file_pair_id", "jade_file_pair_uuid", "archive_checksum",
		"archive_file", "archive_size", "binary_file", "binary_size",
		"date_archived", "date_created", "date_fetched", "date_processed",
		"date_updated", "date_verified", "fetch_checksum", "fingerprint",
		"ingest_checksum", "metadata_file", "origin_checksum",
		"date_modified_origin", "semaphore_file", "version",
		"archived_by_host_id", "jade_data_stream_id", "fetched_by_host_id",
		"processed_by_host_id", "verified_by_host_id",
		"jade_data_stream_uuid", "priority_group", "data_warehouse_path",
	}
	qualified := make([]string, len(cols))
	for i, col := range cols {
		qualified[i] = alias + "." + col
	}
	return strings.Join(qualified, ", ")
}

// scanFilePairInto читает строку jade_file_pair; extra — дополнительные
// столбцы в хвосте выборки.
func scanFilePairInto(row pgx.Row, fp *model.JadeFilePair, extra ...any) error {
	dest := []any{
		&fp.JadeFilePairID, &fp.JadeFilePairUUID, &fp.ArchiveChecksum,
		&fp.ArchiveFile, &fp.ArchiveSize, &fp.BinaryFile, &fp.BinarySize,
		&fp.DateArchived, &fp.DateCreated, &fp.DateFetched, &fp.DateProcessed,
		&fp.DateUpdated, &fp.DateVerified, &fp.FetchChecksum, &fp.Fingerprint,
		&fp.IngestChecksum, &fp.MetadataFile, &fp.OriginChecksum,
		&fp.DateModifiedOrigin, &fp.SemaphoreFile, &fp.Version,
		&fp.ArchivedByHostID, &fp.JadeDataStreamID, &fp.FetchedByHostID,
		&fp.ProcessedByHostID, &fp.VerifiedByHostID,
		&fp.JadeDataStreamUUID, &fp.PriorityGroup, &fp.DataWarehousePath,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка чтения строки jade_file_pair: %w", err)
	}
	return nil
}

// FindFilePairByUUID возвращает файловую пару по UUID или ErrNotFound.
func (c *Catalog) FindFilePairByUUID(ctx context.Context, uuid string) (*model.JadeFilePair, error) {
	var fp model.JadeFilePair
	err := c.withRetry(ctx, "find_file_pair_by_uuid", func(ctx context.Context) error {
		row := c.pool.QueryRow(ctx, `
			SELECT `+filePairColumns("fp")+`
			FROM jade_file_pair fp
			WHERE fp.jade_file_pair_uuid = $1`,
			uuid,
		)
		return scanFilePairInto(row, &fp)
	})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// MarkFilePairArchived проставляет archived_by_host_id и date_archived
// внутри транзакции tx. Срабатывает только на первом успешном
// размещении: уже архивированная пара не трогается.
func (c *Catalog) MarkFilePairArchived(ctx context.Context, tx DBTX, filePairID, hostID int64, archivedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jade_file_pair
		SET archived_by_host_id = $2,
		    date_archived = $3,
		    date_updated = now(),
		    version = version + 1
		WHERE jade_file_pair_id = $1
		  AND archived_by_host_id IS NULL`,
		filePairID, hostID, archivedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка отметки архивирования пары %d: %w", filePairID, err)
	}
	return nil
}

// CountClosedCopies возвращает число различных закрытых неплохих копий
// файловой пары в данном архиве. Именно этот кардинал использует
// уборщик кэша: пара может покинуть кэш только при счётчике >= N для
// каждого целевого архива.
func (c *Catalog) CountClosedCopies(ctx context.Context, filePairUUID, archiveUUID string) (int, error) {
	var count int
	err := c.withRetry(ctx, "count_closed_copies", func(ctx context.Context) error {
		return c.pool.QueryRow(ctx, `
			SELECT count(DISTINCT d.copy_id)
			FROM jade_file_pair fp
			JOIN jade_map_disk_to_file_pair m ON m.jade_file_pair_id = fp.jade_file_pair_id
			JOIN jade_disk d ON d.jade_disk_id = m.jade_disk_id
			WHERE fp.jade_file_pair_uuid = $1
			  AND d.disk_archive_uuid = $2
			  AND d.closed AND NOT d.bad`,
			filePairUUID, archiveUUID,
		).Scan(&count)
	})
	return count, err
}

// HasPlacement сообщает, записана ли уже связь (диск, пара).
// Используется фазой размещения: повтор копии после аварийного рестарта
// не дублирует уже записанную связь.
func (c *Catalog) HasPlacement(ctx context.Context, diskID, filePairID int64) (bool, error) {
	var exists bool
	err := c.withRetry(ctx, "has_placement", func(ctx context.Context) error {
		return c.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM jade_map_disk_to_file_pair
				WHERE jade_disk_id = $1 AND jade_file_pair_id = $2
			)`,
			diskID, filePairID,
		).Scan(&exists)
	})
	return exists, err
}
