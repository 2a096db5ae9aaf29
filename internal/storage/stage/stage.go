// Пакет stage — файловые операции промежуточных директорий архиватора:
// inbox, work, cache и problem_files. Все четыре лежат на одной
// файловой системе (проверяется при загрузке конфигурации), поэтому
// каждое перемещение — атомарный rename с последующим fsync директории.
package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WIPACrepo/datamove/internal/metadata"
)

// KeyPrefixLength — длина UUID-содержащего префикса имени файла:
// "ukey_" + 36 символов UUID + "_".
const KeyPrefixLength = 42

// ReasonSuffix — суффикс сопроводительного файла с причиной карантина.
const ReasonSuffix = ".why"

// Stage — доступ к промежуточным директориям архиватора.
type Stage struct {
	InboxDir        string
	WorkDir         string
	CacheDir        string
	ProblemFilesDir string
}

// New создаёт Stage поверх уже существующих директорий.
func New(inboxDir, workDir, cacheDir, problemFilesDir string) *Stage {
	return &Stage{
		InboxDir:        inboxDir,
		WorkDir:         workDir,
		CacheDir:        cacheDir,
		ProblemFilesDir: problemFilesDir,
	}
}

// ExtractFilePairUUID извлекает UUID файловой пары из имени файла.
// UUID занимает фиксированные позиции 5..41 (после префикса "ukey_"),
// за ним обязан следовать разделитель '_'.
func ExtractFilePairUUID(fileName, keyPrefix string) (string, error) {
	if !strings.HasPrefix(fileName, keyPrefix) {
		return "", fmt.Errorf("имя файла %q не начинается с префикса %q", fileName, keyPrefix)
	}
	if len(fileName) < KeyPrefixLength {
		return "", fmt.Errorf("имя файла %q короче %d символов UUID-префикса", fileName, KeyPrefixLength)
	}
	candidate := fileName[len(keyPrefix) : len(keyPrefix)+36]
	parsed, err := uuid.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("разбор UUID файловой пары в имени %q не удался: %w", fileName, err)
	}
	if fileName[KeyPrefixLength-1] != '_' {
		return "", fmt.Errorf("имя файла %q: после UUID ожидается разделитель '_'", fileName)
	}
	return parsed.String(), nil
}

// ListInbox возвращает имена файлов inbox с заданным префиксом,
// отсортированные лексикографически. Поддиректории игнорируются.
func (s *Stage) ListInbox(keyPrefix string) ([]string, error) {
	entries, err := os.ReadDir(s.InboxDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения inbox %s: %w", s.InboxDir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), keyPrefix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// MoveToWork перемещает файл из inbox в work.
func (s *Stage) MoveToWork(fileName string) error {
	return moveFile(filepath.Join(s.InboxDir, fileName), filepath.Join(s.WorkDir, fileName))
}

// MoveToCache перемещает файл из work в удерживающий кэш.
func (s *Stage) MoveToCache(fileName string) error {
	return moveFile(filepath.Join(s.WorkDir, fileName), filepath.Join(s.CacheDir, fileName))
}

// Reclaim возвращает все файлы из work обратно в inbox. Вызывается в
// начале цикла при reclaim_work=true: недообработанные единицы работы
// повторно встают в очередь.
func (s *Stage) Reclaim() (int, error) {
	entries, err := os.ReadDir(s.WorkDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения work %s: %w", s.WorkDir, err)
	}
	reclaimed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(s.WorkDir, entry.Name())
		dst := filepath.Join(s.InboxDir, entry.Name())
		if err := moveFile(src, dst); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Quarantine перемещает файл в problem_files и кладёт рядом
// сопроводительный файл <имя>.why с причиной. Файлы-проблемы никогда
// не удаляются молча.
func (s *Stage) Quarantine(srcDir, fileName, reason string) error {
	src := filepath.Join(srcDir, fileName)
	dst := filepath.Join(s.ProblemFilesDir, fileName)
	if err := moveFile(src, dst); err != nil {
		return err
	}
	whyPath := dst + ReasonSuffix
	body := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(whyPath, []byte(body), 0o640); err != nil {
		return fmt.Errorf("не удалось записать причину карантина %s: %w", whyPath, err)
	}
	return nil
}

// DeleteFromCache удаляет файл из кэша и фиксирует удаление fsync-ом
// родительской директории.
func (s *Stage) DeleteFromCache(fileName string) error {
	path := filepath.Join(s.CacheDir, fileName)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ошибка удаления файла кэша %s: %w", path, err)
	}
	return metadata.SyncDir(s.CacheDir)
}

// ListCache возвращает имена файлов удерживающего кэша.
func (s *Stage) ListCache() ([]string, error) {
	entries, err := os.ReadDir(s.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения кэша %s: %w", s.CacheDir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// FileCount возвращает количество обычных файлов в директории.
func FileCount(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}
	var count int64
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			count++
		}
	}
	return count, nil
}

// OldestFileAgeSeconds возвращает возраст самого старого файла
// директории по mtime, в секундах. Пустая директория — возраст 0.
func OldestFileAgeSeconds(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}
	now := time.Now()
	var oldest int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := int64(now.Sub(info.ModTime()).Seconds())
		if age > oldest {
			oldest = age
		}
	}
	return oldest, nil
}

// moveFile выполняет атомарный rename с fsync директории-приёмника.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("не удалось переместить %s в %s: %w", src, dst, err)
	}
	return metadata.SyncDir(filepath.Dir(dst))
}
