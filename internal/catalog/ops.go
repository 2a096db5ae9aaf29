// ops.go — составные операции каталога, выполняемые в одной
// транзакции. Движку размещения наружу отдаются только они: создание
// диска и запись размещения никогда не происходят вне транзакции.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/WIPACrepo/datamove/internal/domain/model"
)

// OpenDisk создаёт строку открытого диска в транзакции.
// При ErrDuplicateLabel вызывающий код восстанавливается повторным
// чтением открытого диска: гонку выиграл другой писатель.
func (c *Catalog) OpenDisk(ctx context.Context, nd *NewDisk) (*model.JadeDisk, error) {
	var disk *model.JadeDisk
	err := c.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		disk, err = c.CreateDisk(ctx, tx, nd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return disk, nil
}

// RecordPlacement в одной транзакции добавляет связь диск<->пара и,
// если это первое успешное размещение пары, проставляет
// archived_by_host_id и date_archived.
func (c *Catalog) RecordPlacement(ctx context.Context, diskID, filePairID, hostID int64, archivedAt time.Time) error {
	err := c.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := c.AddPlacement(ctx, tx, diskID, filePairID); err != nil {
			return err
		}
		return c.MarkFilePairArchived(ctx, tx, filePairID, hostID, archivedAt)
	})
	if err != nil {
		return fmt.Errorf("не удалось записать размещение (диск %d, пара %d): %w", diskID, filePairID, err)
	}
	return nil
}
