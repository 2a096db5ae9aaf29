// Пакет metadata — файлы-артефакты на архивном диске: метка label.json
// и манифест <uuid>.metadata. Формат JSON-ключей (camelCase, даты в
// миллисекундах epoch) совместим с JADE, поэтому манифесты читаются
// историческим инструментарием склада данных.
// Все операции записи выполняются атомарно: temp → fsync → rename,
// затем fsync директории.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/WIPACrepo/datamove/internal/domain/model"
)

// LabelFileName — имя файла-метки на корне точки монтирования.
// Присутствие метки означает «этот диск занят».
const LabelFileName = "label.json"

// ManifestSuffix — суффикс файла манифеста закрытого диска.
const ManifestSuffix = ".metadata"

// DiskLabel — содержимое label.json.
type DiskLabel struct {
	UUID string `json:"uuid"`
}

// ArchivalDiskMetadata — манифест закрытого архивного диска: атрибуты
// диска плюс полный список размещённых файлов.
type ArchivalDiskMetadata struct {
	Capacity        int64              `json:"capacity"`
	CopyID          int32              `json:"copyId"`
	DateCreated     int64              `json:"dateCreated"`
	DateUpdated     int64              `json:"dateUpdated"`
	DiskArchiveUUID string             `json:"diskArchiveUuid"`
	Files           []ArchivalDiskFile `json:"files"`
	ID              int64              `json:"id"`
	Label           string             `json:"label"`
	UUID            string             `json:"uuid"`
}

// ArchivalDiskFile — запись манифеста об одном размещённом файле.
type ArchivalDiskFile struct {
	ArchiveChecksum        string `json:"archiveChecksum"`
	ArchiveFile            string `json:"archiveFile"`
	ArchiveSize            int64  `json:"archiveSize"`
	ArchivedByHost         string `json:"archivedByHost,omitempty"`
	BinaryFile             string `json:"binaryFile"`
	BinarySize             int64  `json:"binarySize"`
	DataStreamID           int64  `json:"dataStreamId"`
	DataStreamUUID         string `json:"dataStreamUuid"`
	DataWarehousePath      string `json:"dataWarehousePath"`
	DateCreated            int64  `json:"dateCreated"`
	DateFetched            int64  `json:"dateFetched"`
	DateProcessed          int64  `json:"dateProcessed"`
	DateUpdated            int64  `json:"dateUpdated"`
	DateVerified           int64  `json:"dateVerified"`
	DiskCount              int32  `json:"diskCount"`
	FetchChecksum          string `json:"fetchChecksum"`
	FetchedByHost          string `json:"fetchedByHost"`
	Fingerprint            string `json:"fingerprint"`
	MetadataFile           string `json:"metadataFile"`
	OriginChecksum         string `json:"originChecksum"`
	OriginModificationDate int64  `json:"originModificationDate"`
	PriorityGroup          string `json:"priorityGroup,omitempty"`
	SemaphoreFile          string `json:"semaphoreFile"`
	UUID                   string `json:"uuid"`
}

// FromJadeDisk строит шапку манифеста из строки каталога.
func FromJadeDisk(disk *model.JadeDisk) ArchivalDiskMetadata {
	return ArchivalDiskMetadata{
		Capacity:        disk.Capacity,
		CopyID:          disk.CopyID,
		DateCreated:     disk.DateCreated.UTC().UnixMilli(),
		DateUpdated:     disk.DateUpdated.UTC().UnixMilli(),
		DiskArchiveUUID: disk.DiskArchiveUUID,
		Files:           []ArchivalDiskFile{},
		ID:              disk.JadeDiskID,
		Label:           disk.Label,
		UUID:            disk.UUID,
	}
}

// FromJadeFilePair строит запись манифеста из файловой пары каталога.
// diskCount — число известных каталогу размещений этой пары.
func FromJadeFilePair(fp *model.JadeFilePair, archivedByHost string, diskCount int32) ArchivalDiskFile {
	adf := ArchivalDiskFile{
		ArchiveChecksum:   fp.ArchiveChecksum,
		ArchiveFile:       fp.ArchiveFile,
		ArchiveSize:       fp.ArchiveSize,
		ArchivedByHost:    archivedByHost,
		BinaryFile:        fp.BinaryFile,
		BinarySize:        fp.BinarySize,
		DataStreamID:      fp.JadeDataStreamID,
		DataStreamUUID:    fp.JadeDataStreamUUID,
		DataWarehousePath: fp.DataWarehousePath,
		DateCreated:       fp.DateCreated.UTC().UnixMilli(),
		DateUpdated:       fp.DateUpdated.UTC().UnixMilli(),
		DiskCount:         diskCount,
		FetchChecksum:     fp.FetchChecksum,
		Fingerprint:       fp.Fingerprint,
		MetadataFile:      fp.MetadataFile,
		OriginChecksum:    fp.OriginChecksum,
		PriorityGroup:     fp.PriorityGroup,
		SemaphoreFile:     fp.SemaphoreFile,
		UUID:              fp.JadeFilePairUUID,
	}
	if fp.DateFetched != nil {
		adf.DateFetched = fp.DateFetched.UTC().UnixMilli()
	}
	if fp.DateProcessed != nil {
		adf.DateProcessed = fp.DateProcessed.UTC().UnixMilli()
	}
	if fp.DateVerified != nil {
		adf.DateVerified = fp.DateVerified.UTC().UnixMilli()
	}
	if fp.DateModifiedOrigin != nil {
		adf.OriginModificationDate = fp.DateModifiedOrigin.UTC().UnixMilli()
	}
	return adf
}

// ManifestFileName возвращает имя файла манифеста для UUID диска.
func ManifestFileName(diskUUID string) string {
	return diskUUID + ManifestSuffix
}

// WriteManifest атомарно записывает манифест на корень диска.
// Перезапись существующего манифеста допустима: повтор закрытия после
// сбоя каталога должен быть идемпотентным.
func WriteManifest(mountPath string, m *ArchivalDiskMetadata) error {
	path := filepath.Join(mountPath, ManifestFileName(m.UUID))
	if err := writeJSONAtomic(path, m); err != nil {
		return fmt.Errorf("не удалось записать манифест диска %s: %w", m.UUID, err)
	}
	return nil
}

// ReadManifest читает манифест диска с корня точки монтирования.
func ReadManifest(mountPath, diskUUID string) (*ArchivalDiskMetadata, error) {
	path := filepath.Join(mountPath, ManifestFileName(diskUUID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения манифеста %s: %w", path, err)
	}
	var m ArchivalDiskMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ошибка десериализации манифеста %s: %w", path, err)
	}
	return &m, nil
}

// WriteLabel записывает label.json на корень точки монтирования.
// Существующая метка — фатальный отказ: диск уже кем-то занят.
func WriteLabel(mountPath, diskUUID string) error {
	path := filepath.Join(mountPath, LabelFileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("метка %s уже существует: диск занят", path)
	}
	if err := writeJSONAtomic(path, &DiskLabel{UUID: diskUUID}); err != nil {
		return fmt.Errorf("не удалось записать метку диска: %w", err)
	}
	return nil
}

// ReadLabel читает label.json с корня точки монтирования.
// Возвращает (nil, nil), если метки нет — диск свободен.
func ReadLabel(mountPath string) (*DiskLabel, error) {
	path := filepath.Join(mountPath, LabelFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения метки %s: %w", path, err)
	}
	var label DiskLabel
	if err := json.Unmarshal(data, &label); err != nil {
		return nil, fmt.Errorf("ошибка десериализации метки %s: %w", path, err)
	}
	if label.UUID == "" {
		return nil, fmt.Errorf("метка %s не содержит uuid", path)
	}
	return &label, nil
}

// writeJSONAtomic сериализует v и атомарно записывает его по пути path.
// Паттерн: temp файл → fsync → rename → fsync директории.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return SyncDir(filepath.Dir(path))
}

// SyncDir выполняет fsync директории, фиксируя rename/unlink на диске.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ошибка открытия директории %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync директории %s: %w", dir, err)
	}
	return nil
}
