// host.go — регистрация хоста архиватора в каталоге.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/WIPACrepo/datamove/internal/domain/model"
)

const hostColumns = `jade_host_id, host_name, allow_job_claim,
	allow_job_work, allow_open_job_claim, satellite_capable,
	date_created, date_heartbeat, date_updated, version`

// EnsureHost находит строку jade_host по короткому имени хоста или
// создаёт её. Вызывается один раз при старте; archived_by_host_id
// файловых пар ссылается на этот идентификатор.
func (c *Catalog) EnsureHost(ctx context.Context, hostName string) (*model.JadeHost, error) {
	host, err := c.findHostByName(ctx, hostName)
	if err == nil {
		return host, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var created model.JadeHost
	err = c.withRetry(ctx, "create_host", func(ctx context.Context) error {
		row := c.pool.QueryRow(ctx, `
			INSERT INTO jade_host (
				host_name, allow_job_claim, allow_job_work,
				allow_open_job_claim, satellite_capable,
				date_created, date_heartbeat, date_updated, version
			) VALUES ($1, TRUE, TRUE, FALSE, FALSE, now(), now(), now(), 0)
			ON CONFLICT (host_name) DO UPDATE SET date_heartbeat = now()
			RETURNING `+hostColumns,
			hostName,
		)
		return row.Scan(
			&created.JadeHostID, &created.HostName, &created.AllowJobClaim,
			&created.AllowJobWork, &created.AllowOpenJobClaim, &created.SatelliteCapable,
			&created.DateCreated, &created.DateHeartbeat, &created.DateUpdated, &created.Version,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось зарегистрировать хост %s: %w", hostName, err)
	}

	c.logger.Info("Хост зарегистрирован в каталоге",
		slog.String("host_name", created.HostName),
		slog.Int64("jade_host_id", created.JadeHostID),
	)
	return &created, nil
}

// findHostByName возвращает хост по имени или ErrNotFound.
func (c *Catalog) findHostByName(ctx context.Context, hostName string) (*model.JadeHost, error) {
	var host model.JadeHost
	err := c.withRetry(ctx, "find_host_by_name", func(ctx context.Context) error {
		row := c.pool.QueryRow(ctx, `
			SELECT `+hostColumns+` FROM jade_host WHERE host_name = $1`,
			hostName,
		)
		err := row.Scan(
			&host.JadeHostID, &host.HostName, &host.AllowJobClaim,
			&host.AllowJobWork, &host.AllowOpenJobClaim, &host.SatelliteCapable,
			&host.DateCreated, &host.DateHeartbeat, &host.DateUpdated, &host.Version,
		)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка чтения строки jade_host: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}
