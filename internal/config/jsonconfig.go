// jsonconfig.go — JSON-справочники: dataStreams.json, diskArchives.json,
// contacts.json. Схема ключей совместима с JADE.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ContactRole — роль контакта в contacts.json.
type ContactRole string

const (
	// RoleDisabled — отключённая учётная запись, не контактировать
	RoleDisabled ContactRole = "DISABLED"
	// RoleJadeAdmin — администратор: уровни сервиса, размеры очередей
	RoleJadeAdmin ContactRole = "JADE_ADMIN"
	// RoleWinterOver — оператор-зимовщик: есть ли диски на замену?
	RoleWinterOver ContactRole = "WINTER_OVER"
	// RoleRunCoordination — координация работы детектора
	RoleRunCoordination ContactRole = "RUN_COORDINATION"
)

// Contact — получатель уведомлений.
type Contact struct {
	Name  string      `json:"name"`
	Email string      `json:"email"`
	Role  ContactRole `json:"role"`
}

// Contacts — содержимое contacts.json.
type Contacts struct {
	Contacts []Contact `json:"contacts"`
}

// DiskFullRecipients возвращает контактов, получающих письмо о
// заполненном диске: администраторов и зимовщиков.
func (c *Contacts) DiskFullRecipients() []Contact {
	var out []Contact
	for _, contact := range c.Contacts {
		if contact.Role == RoleJadeAdmin || contact.Role == RoleWinterOver {
			out = append(out, contact)
		}
	}
	return out
}

// LoadContacts читает и разбирает contacts.json.
func LoadContacts(path string) (*Contacts, error) {
	var contacts Contacts
	if err := loadJSON(path, &contacts); err != nil {
		return nil, err
	}
	return &contacts, nil
}

// CompressionType — тип сжатия потока данных.
type CompressionType string

const (
	CompressionBzip2 CompressionType = "BZIP2"
	CompressionGzip  CompressionType = "GZIP"
	CompressionNone  CompressionType = "NONE"
	CompressionXz    CompressionType = "XZ"
	CompressionZstd  CompressionType = "ZSTD"
)

// RetroDiskPolicy — политика обработки старых файлов потока.
type RetroDiskPolicy string

const (
	RetroArchive RetroDiskPolicy = "archive"
	RetroIgnore  RetroDiskPolicy = "ignore"
)

// Credentials — учётные данные доступа к хосту-источнику потока.
type Credentials struct {
	Username   string `json:"username"`
	SSHKeyPath string `json:"sshKeyPath"`
}

// StreamMetadata — описательные метаданные потока данных.
type StreamMetadata struct {
	Category              string `json:"category"`
	DataCenterEmail       string `json:"dataCenterEmail"`
	DataCenterName        string `json:"dataCenterName"`
	EntryTitle            string `json:"entryTitle"`
	Parameters            string `json:"parameters"`
	DifSensorName         string `json:"difSensorName"`
	SensorName            string `json:"sensorName"`
	Subcategory           string `json:"subcategory"`
	TechnicalContactEmail string `json:"technicalContactEmail"`
	TechnicalContactName  string `json:"technicalContactName"`
}

// DataStream — поток данных из dataStreams.json.
type DataStream struct {
	ID                int64           `json:"id"`
	UUID              string          `json:"uuid"`
	Active            bool            `json:"active"`
	XferLimitKbitsSec *int64          `json:"xferLimitKbitsSec"`
	Compression       CompressionType `json:"compression"`
	FileHost          string          `json:"fileHost"`
	FilePath          string          `json:"filePath"`
	FilePrefix        string          `json:"filePrefix"`
	BinarySuffix      string          `json:"binarySuffix"`
	SemaphoreSuffix   string          `json:"semaphoreSuffix"`
	Credentials       Credentials     `json:"credentials"`
	// WorkflowBean — историческое имя обработчика потока в JADE;
	// архиватор его не интерпретирует, но схема обязана переживать
	// round-trip без потерь
	WorkflowBean   json.RawMessage `json:"workflowBean,omitempty"`
	StreamMetadata StreamMetadata  `json:"streamMetadata"`
	// Archives — UUID-ы дисковых архивов, в которые пишется поток
	Archives        []string        `json:"archives"`
	RetroDiskPolicy RetroDiskPolicy `json:"retroDiskPolicy"`
}

// ComputeDataWarehousePath строит путь файла в хранилище:
// <sensorName>/<год>/<категория>/<подкатегория>/<MMDD>.
func (ds *DataStream) ComputeDataWarehousePath(t time.Time) string {
	sm := &ds.StreamMetadata
	return fmt.Sprintf("%s/%d/%s/%s/%02d%02d",
		sm.SensorName, t.Year(), sm.Category, sm.Subcategory, int(t.Month()), t.Day())
}

// DataStreamsConfig — содержимое dataStreams.json.
type DataStreamsConfig struct {
	DataStreams []DataStream `json:"dataStreams"`
}

// DataStreams — коллекция потоков с поиском по UUID.
type DataStreams struct {
	Streams []DataStream
}

// ForUUID возвращает поток данных по UUID или nil.
func (d *DataStreams) ForUUID(uuid string) *DataStream {
	for i := range d.Streams {
		if d.Streams[i].UUID == uuid {
			return &d.Streams[i]
		}
	}
	return nil
}

// LoadDataStreams читает и разбирает dataStreams.json.
func LoadDataStreams(path string) (*DataStreams, error) {
	var cfg DataStreamsConfig
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	return &DataStreams{Streams: cfg.DataStreams}, nil
}

// DiskArchive — дисковый архив из diskArchives.json: логическая цель
// архивирования с требуемым числом копий и набором путей монтирования.
type DiskArchive struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Description string `json:"description"`
	Name        string `json:"name"`
	// NumCopies — требуемое число независимых копий (N >= 1)
	NumCopies int   `json:"numCopies"`
	Paths     []string `json:"paths"`
	// ShortName — префикс меток дисков (например "IceCube")
	ShortName string `json:"shortName"`
}

// DiskArchivesConfig — содержимое diskArchives.json.
type DiskArchivesConfig struct {
	DiskArchives []DiskArchive `json:"diskArchives"`
}

// DiskArchives — коллекция архивов с поиском по UUID.
type DiskArchives struct {
	Archives []DiskArchive
}

// ForUUID возвращает дисковый архив по UUID или nil.
func (d *DiskArchives) ForUUID(uuid string) *DiskArchive {
	for i := range d.Archives {
		if d.Archives[i].UUID == uuid {
			return &d.Archives[i]
		}
	}
	return nil
}

// LoadDiskArchives читает и разбирает diskArchives.json. Возвращает
// ошибку, если хоть один архив объявляет numCopies < 1.
func LoadDiskArchives(path string) (*DiskArchives, error) {
	var cfg DiskArchivesConfig
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	for _, da := range cfg.DiskArchives {
		if da.NumCopies < 1 {
			return nil, fmt.Errorf("дисковый архив %q: numCopies = %d, требуется >= 1", da.Name, da.NumCopies)
		}
	}
	return &DiskArchives{Archives: cfg.DiskArchives}, nil
}

// loadJSON читает файл и десериализует его в v.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("не удалось открыть файл %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("не удалось разобрать JSON %s: %w", path, err)
	}
	return nil
}
