// Пакет status — снимок состояния архиватора для внешнего HTTP-слоя.
// Форма JSON побайтно совместима с прецедентом JADE: неизвестные и
// нулевые необязательные поля опускаются, id присутствует всегда.
package status

import (
	"sync/atomic"

	"github.com/WIPACrepo/datamove/internal/domain/model"
	"github.com/WIPACrepo/datamove/internal/inventory"
)

// Верхнеуровневые значения поля status.
const (
	StatusOK       = "OK"
	StatusCritical = "CRITICAL"
	StatusFullStop = "FULL_STOP"
	StatusUnknown  = "UNKNOWN"
)

// DiskArchiverStatus — снимок состояния архиватора.
type DiskArchiverStatus struct {
	Workers          []DiskArchiverWorkerStatus `json:"workers"`
	CacheAge         int64                      `json:"cacheAge"`
	InboxAge         int64                      `json:"inboxAge"`
	ProblemFileCount int64                      `json:"problemFileCount"`
	Message          string                     `json:"message,omitempty"`
	Status           string                     `json:"status,omitempty"`
}

// DiskArchiverWorkerStatus — состояние единственного рабочего потока.
type DiskArchiverWorkerStatus struct {
	ArchivalDisks map[string]Disk `json:"archivalDisks"`
	InboxCount    int64           `json:"inboxCount"`
}

// Disk — состояние одного слота для JSON-снимка.
type Disk struct {
	Status model.DiskStatus `json:"status"`
	ID     int64            `json:"id"`
	Closed *bool            `json:"closed,omitempty"`
	CopyID *int32           `json:"copyId,omitempty"`
	OnHold *bool            `json:"onHold,omitempty"`
	UUID   *string          `json:"uuid,omitempty"`
	// Archive — UUID дискового архива, к которому привязан диск
	Archive   *string `json:"archive,omitempty"`
	Available *bool   `json:"available,omitempty"`
	Label     *string `json:"label,omitempty"`
	Serial    *string `json:"serial,omitempty"`
}

// ForStatus возвращает слот без привязки к строке каталога.
func ForStatus(s model.DiskStatus) Disk {
	d := Disk{Status: s, ID: model.NoID}
	if s == model.DiskAvailable {
		available := true
		d.Available = &available
	}
	return d
}

// FromMountState строит слот снимка из результата инвентаризации.
func FromMountState(state *inventory.MountState) Disk {
	if state.Disk == nil {
		d := ForStatus(state.Class)
		if state.Mount.Serial != "" && state.Class == model.DiskNotUsable {
			serial := state.Mount.Serial
			d.Serial = &serial
		}
		return d
	}

	jd := state.Disk
	closed := jd.Closed
	copyID := jd.CopyID
	onHold := jd.OnHold
	uuid := jd.UUID
	archive := jd.DiskArchiveUUID
	label := jd.Label

	d := Disk{
		Status:  state.Class,
		ID:      jd.JadeDiskID,
		Closed:  &closed,
		CopyID:  &copyID,
		OnHold:  &onHold,
		UUID:    &uuid,
		Archive: &archive,
		Label:   &label,
	}
	if jd.SerialNumber != "" {
		serial := jd.SerialNumber
		d.Serial = &serial
	}
	return d
}

// LiveDiskArchiverStatus — плоская проекция снимка для внешних систем
// мониторинга: первый (единственный) worker поднят на верхний уровень.
type LiveDiskArchiverStatus struct {
	CacheAge         int64           `json:"cacheAge"`
	InboxAge         int64           `json:"inboxAge"`
	Message          string          `json:"message,omitempty"`
	ProblemFileCount int64           `json:"problemFileCount"`
	Status           string          `json:"status,omitempty"`
	InboxCount       int64           `json:"inboxCount"`
	ArchivalDisks    map[string]Disk `json:"archivalDisks"`
}

// Live строит плоскую проекцию снимка.
func Live(s *DiskArchiverStatus) LiveDiskArchiverStatus {
	live := LiveDiskArchiverStatus{
		CacheAge:         s.CacheAge,
		InboxAge:         s.InboxAge,
		Message:          s.Message,
		ProblemFileCount: s.ProblemFileCount,
		Status:           s.Status,
		ArchivalDisks:    map[string]Disk{},
	}
	if len(s.Workers) > 0 {
		live.InboxCount = s.Workers[0].InboxCount
		live.ArchivalDisks = s.Workers[0].ArchivalDisks
	}
	return live
}

// Publisher — атомарно заменяемый снимок последней инвентаризации.
// Писатель (рабочий цикл) публикует снимок, читатели (HTTP-обработчики)
// берут его без блокировок.
type Publisher struct {
	snapshot atomic.Pointer[[]inventory.MountState]
}

// Publish сохраняет свежий снимок инвентаризации.
func (p *Publisher) Publish(states []inventory.MountState) {
	p.snapshot.Store(&states)
}

// Snapshot возвращает последний снимок или nil, если его ещё нет.
func (p *Publisher) Snapshot() []inventory.MountState {
	ptr := p.snapshot.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}
