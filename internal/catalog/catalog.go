// Пакет catalog — единственный компонент, разговаривающий с реляционным
// каталогом JADE (PostgreSQL). Предоставляет типизированные операции над
// файловыми парами, дисками и связями диск↔пара; SQL наружу не выходит.
// Все записи выполняются в транзакциях; чтения переживают кратковременные
// обрывы соединения за счёт ограниченного экспоненциального retry.
package catalog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ошибки слоя каталога.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись каталога не найдена")
	// ErrDuplicateLabel — нарушение уникальности метки диска; гонка
	// создания разрешается повторным чтением открытого диска.
	ErrDuplicateLabel = errors.New("метка диска уже существует")
	// ErrUnavailable — каталог недоступен после исчерпания retry;
	// цикл приостанавливается, состояние на дисках не трогается.
	ErrUnavailable = errors.New("каталог недоступен")
)

// Таймауты и параметры retry.
const (
	// statementTimeout — предел на один SQL-оператор
	statementTimeout = 30 * time.Second
	// retryMaxAttempts — максимум попыток чтения
	retryMaxAttempts = 3
	// retryBaseInterval — базовый интервал экспоненциального retry
	retryBaseInterval = 250 * time.Millisecond

	// poolMaxConns — размер пула соединений
	poolMaxConns = 8

	// diskCacheSize и diskCacheTTL — кэш строк дисков для инвентаризации
	diskCacheSize = 256
	diskCacheTTL  = time.Minute
)

// DBTX — интерфейс выполнения SQL-запросов. Реализуется и *pgxpool.Pool,
// и pgx.Tx, что позволяет использовать операции как внутри, так и вне
// транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Catalog — шлюз к каталогу JADE.
type Catalog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	// diskCache — read-through кэш строк дисков по UUID; через него
	// (CachedView) читает инвентаризация слотов, остальные операции
	// рабочего цикла читают каталог напрямую
	diskCache *lru.LRU[string, *model.JadeDisk]
}

// DSN строит строку подключения PostgreSQL из конфигурации.
func DSN(cfg *config.JadeDatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.DatabaseName)
}

// Connect создаёт пул подключений и проверяет доступность каталога.
func Connect(ctx context.Context, cfg *config.JadeDatabaseConfig, logger *slog.Logger) (*Catalog, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolCfg.MaxConns = poolMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к каталогу: %w", err)
	}

	logger.Info("Подключение к каталогу установлено",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.String("database", cfg.DatabaseName),
	)

	return &Catalog{
		pool:      pool,
		logger:    logger.With(slog.String("component", "catalog")),
		diskCache: lru.NewLRU[string, *model.JadeDisk](diskCacheSize, nil, diskCacheTTL),
	}, nil
}

// Close закрывает пул подключений.
func (c *Catalog) Close() {
	c.pool.Close()
}

// Ping проверяет доступность каталога (для статуса).
func (c *Catalog) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.pool.Ping(ctx)
}

// Migrate применяет SQL-миграции схемы каталога из embedded FS.
func Migrate(cfg *config.JadeDatabaseConfig, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	dbURL := fmt.Sprintf("pgx5://%s:%s@%s:%d/%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.DatabaseName)

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции каталога применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// RunInTx выполняет fn внутри транзакции. При ошибке fn транзакция
// откатывается, при успехе — коммитится.
func (c *Catalog) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// withRetry выполняет чтение с ограниченным экспоненциальным retry:
// не более retryMaxAttempts попыток, базовый интервал retryBaseInterval
// с джиттером. Исчерпание попыток оборачивается в ErrUnavailable.
func (c *Catalog) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		defer cancel()

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		// ErrNotFound — не сбой каталога, retry бессмыслен
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Повтор операции каталога",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx))

	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return err
}

// isUniqueViolation проверяет, является ли ошибка нарушением
// уникальности PostgreSQL (код 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
