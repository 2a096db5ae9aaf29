// Пакет model — доменные модели каталога JADE: хост, архивный диск,
// файловая пара. Структуры отражают строки таблиц jade_host, jade_disk
// и jade_file_pair; каталог никогда не создаёт и не удаляет файловые
// пары, только записывает размещения.
package model

import (
	"time"
)

// NoID — отсутствующий идентификатор каталога.
const NoID int64 = 0

// JadeHost — хост, на котором работает архиватор.
type JadeHost struct {
	JadeHostID        int64
	HostName          string
	AllowJobClaim     bool
	AllowJobWork      bool
	AllowOpenJobClaim bool
	SatelliteCapable  bool
	DateCreated       time.Time
	DateHeartbeat     time.Time
	DateUpdated       time.Time
	Version           int64
}

// JadeDisk — физический съёмный диск, известный каталогу.
//
// Инварианты:
//   - на хост допускается не более одного открытого диска на пару
//     (архив, copy_id): closed=false, bad=false;
//   - серийный номер может появиться повторно только если последнее
//     использование старше minimum_disk_age_seconds.
type JadeDisk struct {
	JadeDiskID int64
	Bad        bool
	// Capacity — ёмкость диска в байтах на момент открытия
	Capacity int64
	Closed   bool
	// CopyID — номер копии, 1..N
	CopyID      int32
	DateCreated time.Time
	DateUpdated time.Time
	// DevicePath — путь монтирования, на котором открыт диск
	DevicePath string
	// Label — человекочитаемая метка вида IceCube_1_2026_0042
	Label           string
	OnHold          bool
	UUID            string
	Version         int64
	JadeHostID      int64
	DiskArchiveUUID string
	SerialNumber    string
	// HardwareMetadata — JSON-слепок ссылок /dev/disk/by-* на устройство
	HardwareMetadata string
	// NumFilePairs и SizeFilePairs — финальные агрегаты, фиксируются
	// при закрытии диска
	NumFilePairs  int64
	SizeFilePairs int64
}

// JadeFilePair — единица архивной работы: архивный файл плюс исходный
// бинарный файл и метаданные. Создаётся выше по конвейеру; архиватор
// лишь проставляет archived_by_host_id и date_archived.
type JadeFilePair struct {
	JadeFilePairID     int64
	ArchiveChecksum    string
	ArchiveFile        string
	ArchiveSize        int64
	BinaryFile         string
	BinarySize         int64
	DateArchived       *time.Time
	DateCreated        time.Time
	DateFetched        *time.Time
	DateProcessed      *time.Time
	DateUpdated        time.Time
	DateVerified       *time.Time
	FetchChecksum      string
	Fingerprint        string
	IngestChecksum     *int64
	MetadataFile       string
	OriginChecksum     string
	DateModifiedOrigin *time.Time
	SemaphoreFile      string
	Version            int64
	ArchivedByHostID   *int64
	JadeDataStreamID   int64
	FetchedByHostID    *int64
	ProcessedByHostID  *int64
	VerifiedByHostID   *int64
	JadeDataStreamUUID string
	JadeFilePairUUID   string
	PriorityGroup      string
	DataWarehousePath  string
}

// DiskStatus — классификация слота со съёмным диском.
type DiskStatus string

const (
	// DiskNotMounted — путь не является точкой монтирования
	DiskNotMounted DiskStatus = "Not Mounted"
	// DiskNotUsable — смонтирован, но использовать нельзя (нет прав
	// записи, неизвестный серийный номер, подозрение на переформат)
	DiskNotUsable DiskStatus = "Not Usable"
	// DiskFinished — закрытый диск, физически ещё в слоте
	DiskFinished DiskStatus = "Finished"
	// DiskInUse — открытый диск, привязан к строке каталога
	DiskInUse DiskStatus = "In-Use"
	// DiskAvailable — пустой, корректно смонтированный диск
	DiskAvailable DiskStatus = "Available"
)
