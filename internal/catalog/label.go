// label.go — выделение меток дисков. Метка имеет вид
// <prefix>_<copyId>_<год>_<NNNN>, где NNNN — очередной номер
// последовательности для (архив, копия, год). Счётчик живёт в таблице
// jade_disk_label и инкрементируется атомарным upsert-ом.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// NextLabel выделяет следующую метку для (архив, копия) в текущем году.
func (c *Catalog) NextLabel(ctx context.Context, shortName, archiveUUID string, copyID int32, now time.Time) (string, error) {
	year := now.UTC().Year()

	var sequence int32
	err := c.RunInTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO jade_disk_label (
				version, date_created, date_updated,
				disk_archive_uuid, copy_id, disk_archive_year,
				disk_archive_sequence
			) VALUES (0, now(), now(), $1, $2, $3, 1)
			ON CONFLICT (disk_archive_uuid, copy_id, disk_archive_year)
			DO UPDATE SET
				disk_archive_sequence = jade_disk_label.disk_archive_sequence + 1,
				date_updated = now(),
				version = jade_disk_label.version + 1
			RETURNING disk_archive_sequence`,
			archiveUUID, copyID, year,
		).Scan(&sequence)
	})
	if err != nil {
		return "", fmt.Errorf("не удалось выделить метку для архива %s копии %d: %w", archiveUUID, copyID, err)
	}

	return FormatLabel(shortName, copyID, year, sequence), nil
}

// FormatLabel форматирует метку диска: IceCube_1_2026_0042.
func FormatLabel(shortName string, copyID int32, year int, sequence int32) string {
	return fmt.Sprintf("%s_%d_%d_%04d", shortName, copyID, year, sequence)
}
