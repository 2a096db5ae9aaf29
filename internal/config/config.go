// Пакет config — загрузка и валидация конфигурации Disk Archiver.
// Основной файл конфигурации — TOML (путь в переменной окружения
// DATAMOVE_CONFIG), дополнительные справочники (потоки данных, дисковые
// архивы, контакты) — JSON-файлы, пути к которым задаются в TOML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// EnvConfigPath — переменная окружения с путём к файлу конфигурации.
const EnvConfigPath = "DATAMOVE_CONFIG"

// EnvRunOnceAndDie — переменная окружения режима одного цикла.
const EnvRunOnceAndDie = "RUN_ONCE_AND_DIE"

// DatamoveConfig — полная конфигурация из datamove.toml.
type DatamoveConfig struct {
	EmailConfiguration EmailConfig           `toml:"email_configuration"`
	JadeDatabase       JadeDatabaseConfig    `toml:"jade_database"`
	SpsDiskArchiver    SpsDiskArchiverConfig `toml:"sps_disk_archiver"`
}

// EmailConfig — секция [email_configuration].
type EmailConfig struct {
	// Enabled — выключатель отправки писем (в тестовых стендах false)
	Enabled  bool   `toml:"enabled"`
	From     string `toml:"from"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	ReplyTo  string `toml:"reply_to"`
}

// JadeDatabaseConfig — секция [jade_database], подключение к каталогу.
type JadeDatabaseConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	DatabaseName string `toml:"database_name"`
}

// SpsDiskArchiverConfig — секция [sps_disk_archiver].
type SpsDiskArchiverConfig struct {
	// ArchiveHeadroom — резерв на диске в байтах: если после записи
	// файла свободного места останется меньше, диск считается
	// логически заполненным и ставится on_hold
	ArchiveHeadroom int64 `toml:"archive_headroom"`
	// CacheDir — удерживающий кэш: копия каждого файла живёт здесь,
	// пока каталог не подтвердит N закрытых копий
	CacheDir             string `toml:"cache_dir"`
	ContactsJSONPath     string `toml:"contacts_json_path"`
	DataStreamsJSONPath  string `toml:"data_streams_json_path"`
	DiskArchivesJSONPath string `toml:"disk_archives_json_path"`
	InboxDir             string `toml:"inbox_dir"`
	// MinimumDiskAgeSeconds — окно защиты от повторного появления
	// серийного номера (обнаружение случайного переформатирования)
	MinimumDiskAgeSeconds int64  `toml:"minimum_disk_age_seconds"`
	OutboxDir             string `toml:"outbox_dir"`
	ProblemFilesDir       string `toml:"problem_files_dir"`
	// ReclaimWork — возвращать ли файлы из work_dir в inbox_dir в
	// начале цикла. Включать только при единственном эксклюзивном
	// писателе; при параллельных писателях флаг обязан быть false.
	ReclaimWork bool `toml:"reclaim_work"`
	StatusPort  int  `toml:"status_port"`
	// TeraTemplateGlob — glob шаблонов писем (имя параметра
	// исторически унаследовано от JADE)
	TeraTemplateGlob      string `toml:"tera_template_glob"`
	WorkCycleSleepSeconds int64  `toml:"work_cycle_sleep_seconds"`
	WorkDir               string `toml:"work_dir"`

	// CloseSemaphoreName — имя файла-семафора закрытия диска.
	// В старых развёртываниях исторически "close.me".
	CloseSemaphoreName string `toml:"close_semaphore_name"`
	// KeyPrefix — префикс имён файлов в inbox
	KeyPrefix string `toml:"key_prefix"`
	// DiskWriter — вариант записи на носитель ("local")
	DiskWriter string `toml:"disk_writer"`
	// ThreadDelayInitialSeconds — задержка перед первым рабочим циклом
	ThreadDelayInitialSeconds int64 `toml:"thread_delay_initial_seconds"`
	// LogLevel — уровень логирования (debug, info, warn, error)
	LogLevel string `toml:"log_level"`
	// LogFormat — формат логов (json, text)
	LogFormat string `toml:"log_format"`
}

// Значения по умолчанию для необязательных параметров.
const (
	DefaultCloseSemaphoreName = "close.semaphore"
	DefaultKeyPrefix          = "ukey_"
	DefaultDiskWriter         = "local"
)

// Load читает TOML-файл конфигурации, подставляет значения по умолчанию
// и валидирует обязательные поля. Возвращает DatamoveConfig или ошибку.
func Load(path string) (*DatamoveConfig, error) {
	cfg := &DatamoveConfig{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать файл конфигурации %s: %w", path, err)
	}

	sda := &cfg.SpsDiskArchiver
	if sda.CloseSemaphoreName == "" {
		sda.CloseSemaphoreName = DefaultCloseSemaphoreName
	}
	if sda.KeyPrefix == "" {
		sda.KeyPrefix = DefaultKeyPrefix
	}
	if sda.DiskWriter == "" {
		sda.DiskWriter = DefaultDiskWriter
	}
	if sda.LogLevel == "" {
		sda.LogLevel = "info"
	}
	if sda.LogFormat == "" {
		sda.LogFormat = "text"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate проверяет конфигурацию перед стартом. Любая ошибка здесь
// фатальна: лучше отказаться стартовать, чем работать с неправильными
// директориями.
func (cfg *DatamoveConfig) validate() error {
	sda := &cfg.SpsDiskArchiver

	if cfg.JadeDatabase.Host == "" {
		return fmt.Errorf("jade_database.host: обязательный параметр не задан")
	}
	if cfg.JadeDatabase.DatabaseName == "" {
		return fmt.Errorf("jade_database.database_name: обязательный параметр не задан")
	}
	if sda.StatusPort < 1 || sda.StatusPort > 65535 {
		return fmt.Errorf("sps_disk_archiver.status_port: значение %d вне диапазона 1-65535", sda.StatusPort)
	}
	if sda.WorkCycleSleepSeconds <= 0 {
		return fmt.Errorf("sps_disk_archiver.work_cycle_sleep_seconds: значение должно быть положительным")
	}
	if sda.MinimumDiskAgeSeconds < 0 {
		return fmt.Errorf("sps_disk_archiver.minimum_disk_age_seconds: значение не может быть отрицательным")
	}
	if sda.ArchiveHeadroom < 0 {
		return fmt.Errorf("sps_disk_archiver.archive_headroom: значение не может быть отрицательным")
	}
	if sda.DiskWriter != DefaultDiskWriter {
		return fmt.Errorf("sps_disk_archiver.disk_writer: неизвестный вариант %q", sda.DiskWriter)
	}

	// Все четыре рабочие директории обязаны существовать
	dirs := map[string]string{
		"inbox_dir":         sda.InboxDir,
		"work_dir":          sda.WorkDir,
		"cache_dir":         sda.CacheDir,
		"problem_files_dir": sda.ProblemFilesDir,
	}
	for name, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("sps_disk_archiver.%s: обязательный параметр не задан", name)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("sps_disk_archiver.%s: директория %s недоступна: %w", name, dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sps_disk_archiver.%s: путь %s не является директорией", name, dir)
		}
	}

	// Перемещения inbox → work → cache выполняются атомарным rename,
	// поэтому все директории обязаны лежать на одной файловой системе
	if err := sameFilesystem(sda.InboxDir, sda.WorkDir, sda.CacheDir, sda.ProblemFilesDir); err != nil {
		return err
	}

	return nil
}

// sameFilesystem проверяет, что все пути лежат на одном устройстве.
func sameFilesystem(paths ...string) error {
	var dev uint64
	for i, p := range paths {
		var st syscall.Stat_t
		if err := syscall.Stat(p, &st); err != nil {
			return fmt.Errorf("ошибка stat %s: %w", p, err)
		}
		if i == 0 {
			dev = uint64(st.Dev)
			continue
		}
		if uint64(st.Dev) != dev {
			return fmt.Errorf("директории %s и %s лежат на разных файловых системах: атомарный rename невозможен", paths[0], p)
		}
	}
	return nil
}

// RunOnceAndDie сообщает, запрошен ли режим одного рабочего цикла.
func RunOnceAndDie() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvRunOnceAndDie)))
	switch v {
	case "", "0", "false", "no":
		return false
	}
	return true
}

// SetupLogger создаёт slog.Logger по параметрам конфигурации.
func SetupLogger(cfg *DatamoveConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.SpsDiskArchiver.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.SpsDiskArchiver.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WorkCycleSleep возвращает паузу между рабочими циклами.
func (cfg *DatamoveConfig) WorkCycleSleep() time.Duration {
	return time.Duration(cfg.SpsDiskArchiver.WorkCycleSleepSeconds) * time.Second
}

// ThreadDelayInitial возвращает задержку перед первым рабочим циклом.
func (cfg *DatamoveConfig) ThreadDelayInitial() time.Duration {
	return time.Duration(cfg.SpsDiskArchiver.ThreadDelayInitialSeconds) * time.Second
}
