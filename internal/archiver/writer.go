// writer.go — запись на архивный носитель за узким интерфейсом
// возможностей: записать файл, записать манифест, записать метку,
// убрать семафор. Реализация выбирается тегом disk_writer в
// конфигурации; сейчас вариант один — локальный диск.
package archiver

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/metadata"
)

// DiskWriter — набор возможностей архивного носителя.
type DiskWriter interface {
	// WriteFilePair записывает архивный файл в
	// <mountPath>/<filePairUUID>/<archiveFile> и возвращает SHA-512
	// записанных данных
	WriteFilePair(mountPath, filePairUUID, srcPath, archiveFile string) (string, error)
	// WriteManifest записывает манифест закрытого диска на корень носителя
	WriteManifest(mountPath string, m *metadata.ArchivalDiskMetadata) error
	// WriteLabel записывает метку label.json; существующая метка — отказ
	WriteLabel(mountPath, diskUUID string) error
	// RemoveSemaphore удаляет операторский файл-семафор
	RemoveSemaphore(mountPath, name string) error
}

// NewDiskWriter создаёт DiskWriter по тегу из конфигурации.
func NewDiskWriter(tag string) (DiskWriter, error) {
	switch tag {
	case config.DefaultDiskWriter:
		return &LocalDiskWriter{}, nil
	default:
		return nil, fmt.Errorf("неизвестный вариант disk_writer: %q", tag)
	}
}

// LocalDiskWriter — запись на локально смонтированный съёмный диск.
type LocalDiskWriter struct{}

// WriteFilePair копирует файл на носитель со streaming-подсчётом
// SHA-512. Носитель — другая файловая система, поэтому прямой rename
// из work невозможен; атомарность обеспечивается temp-файлом на самом
// носителе: copy → fsync → rename, затем fsync директории.
func (w *LocalDiskWriter) WriteFilePair(mountPath, filePairUUID, srcPath, archiveFile string) (string, error) {
	targetDir := filepath.Join(mountPath, filePairUUID)
	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию %s: %w", targetDir, err)
	}

	targetPath := filepath.Join(targetDir, archiveFile)
	tmpPath := targetPath + ".tmp"

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия исходного файла %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-512
	hasher := sha512.New()
	tee := io.TeeReader(src, hasher)

	if _, err := io.Copy(dst, tee); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	if err := metadata.SyncDir(targetDir); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// WriteManifest записывает манифест на корень носителя.
func (w *LocalDiskWriter) WriteManifest(mountPath string, m *metadata.ArchivalDiskMetadata) error {
	return metadata.WriteManifest(mountPath, m)
}

// WriteLabel записывает метку на корень носителя.
func (w *LocalDiskWriter) WriteLabel(mountPath, diskUUID string) error {
	return metadata.WriteLabel(mountPath, diskUUID)
}

// RemoveSemaphore удаляет файл-семафор и фиксирует удаление.
func (w *LocalDiskWriter) RemoveSemaphore(mountPath, name string) error {
	path := filepath.Join(mountPath, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ошибка удаления семафора %s: %w", path, err)
	}
	return metadata.SyncDir(mountPath)
}
