package archiver

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/WIPACrepo/datamove/internal/catalog"
	"github.com/WIPACrepo/datamove/internal/config"
	"github.com/WIPACrepo/datamove/internal/domain/model"
	"github.com/WIPACrepo/datamove/internal/inventory"
	"github.com/WIPACrepo/datamove/internal/metadata"
	"github.com/WIPACrepo/datamove/internal/storage/stage"
)

const (
	testArchiveUUID  = "e09e65f7-37d1-45a7-9553-723a582504ef"
	testStreamUUID   = "6e3a1b24-24d7-46be-b047-39f1cb2a49b4"
	testFilePairUUID = "11111111-1111-1111-1111-111111111111"
	testInboxName    = "ukey_11111111-1111-1111-1111-111111111111_data.tar"
	testHostID       = int64(7)
)

// fakeGateway — каталог в памяти для тестов движка.
type fakeGateway struct {
	mu         sync.Mutex
	filePairs  map[string]*model.JadeFilePair
	disks      map[string]*model.JadeDisk
	placements map[string]bool // ключ "diskID:pairID"
	sequences  map[string]int32
	nextDiskID int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		filePairs:  map[string]*model.JadeFilePair{},
		disks:      map[string]*model.JadeDisk{},
		placements: map[string]bool{},
		sequences:  map[string]int32{},
	}
}

func placementKey(diskID, pairID int64) string {
	return fmt.Sprintf("%d:%d", diskID, pairID)
}

func (g *fakeGateway) addFilePair(fpUUID, archiveFile string, size int64) *model.JadeFilePair {
	g.mu.Lock()
	defer g.mu.Unlock()
	fp := &model.JadeFilePair{
		JadeFilePairID:     int64(len(g.filePairs) + 1),
		JadeFilePairUUID:   fpUUID,
		ArchiveFile:        archiveFile,
		ArchiveSize:        size,
		JadeDataStreamUUID: testStreamUUID,
		DateCreated:        time.Now().UTC(),
		DateUpdated:        time.Now().UTC(),
	}
	g.filePairs[fpUUID] = fp
	return fp
}

func (g *fakeGateway) FindFilePairByUUID(_ context.Context, uuid string) (*model.JadeFilePair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fp, ok := g.filePairs[uuid]; ok {
		return fp, nil
	}
	return nil, catalog.ErrNotFound
}

func (g *fakeGateway) FindOpenDisk(_ context.Context, archiveUUID string, hostID int64, copyID int32) (*model.JadeDisk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.disks {
		if d.DiskArchiveUUID == archiveUUID && d.JadeHostID == hostID &&
			d.CopyID == copyID && !d.Closed && !d.Bad {
			return d, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (g *fakeGateway) FindDiskByUUID(_ context.Context, uuid string) (*model.JadeDisk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.disks[uuid]; ok {
		return d, nil
	}
	return nil, catalog.ErrNotFound
}

func (g *fakeGateway) RecentDiskForSerial(_ context.Context, serial string) (*model.JadeDisk, int64, error) {
	return nil, 0, nil
}

func (g *fakeGateway) OpenDisk(_ context.Context, nd *catalog.NewDisk) (*model.JadeDisk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.disks {
		if d.DiskArchiveUUID == nd.DiskArchiveUUID && d.CopyID == nd.CopyID && d.Label == nd.Label {
			return nil, catalog.ErrDuplicateLabel
		}
	}
	g.nextDiskID++
	now := time.Now().UTC()
	disk := &model.JadeDisk{
		JadeDiskID:       g.nextDiskID,
		Capacity:         nd.Capacity,
		CopyID:           nd.CopyID,
		DateCreated:      now,
		DateUpdated:      now,
		DevicePath:       nd.DevicePath,
		Label:            nd.Label,
		UUID:             nd.UUID,
		JadeHostID:       nd.JadeHostID,
		DiskArchiveUUID:  nd.DiskArchiveUUID,
		SerialNumber:     nd.SerialNumber,
		HardwareMetadata: nd.HardwareMetadata,
	}
	g.disks[nd.UUID] = disk
	return disk, nil
}

func (g *fakeGateway) NextLabel(_ context.Context, shortName, archiveUUID string, copyID int32, now time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := fmt.Sprintf("%s:%d:%d", archiveUUID, copyID, now.UTC().Year())
	g.sequences[key]++
	return catalog.FormatLabel(shortName, copyID, now.UTC().Year(), g.sequences[key]), nil
}

func (g *fakeGateway) RecordPlacement(_ context.Context, diskID, filePairID, hostID int64, archivedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placements[placementKey(diskID, filePairID)] = true
	for _, fp := range g.filePairs {
		if fp.JadeFilePairID == filePairID && fp.ArchivedByHostID == nil {
			host := hostID
			at := archivedAt
			fp.ArchivedByHostID = &host
			fp.DateArchived = &at
		}
	}
	return nil
}

func (g *fakeGateway) HasPlacement(_ context.Context, diskID, filePairID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placements[placementKey(diskID, filePairID)], nil
}

func (g *fakeGateway) CloseDisk(_ context.Context, uuid string, closedAt time.Time, numFilePairs, sizeFilePairs int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.disks[uuid]; ok {
		d.Closed = true
		d.DateUpdated = closedAt
		d.NumFilePairs = numFilePairs
		d.SizeFilePairs = sizeFilePairs
	}
	return nil
}

func (g *fakeGateway) SetDiskOnHold(_ context.Context, uuid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.disks[uuid]; ok {
		d.OnHold = true
	}
	return nil
}

func (g *fakeGateway) MarkDiskBad(_ context.Context, uuid string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.disks[uuid]; ok {
		d.Bad = true
	}
	return nil
}

func (g *fakeGateway) CountClosedCopies(_ context.Context, filePairUUID, archiveUUID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fp, ok := g.filePairs[filePairUUID]
	if !ok {
		return 0, nil
	}
	copies := map[int32]bool{}
	for _, d := range g.disks {
		if d.DiskArchiveUUID != archiveUUID || !d.Closed || d.Bad {
			continue
		}
		if g.placements[placementKey(d.JadeDiskID, fp.JadeFilePairID)] {
			copies[d.CopyID] = true
		}
	}
	return len(copies), nil
}

func (g *fakeGateway) NumFilePairs(_ context.Context, diskID int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var count int64
	for _, fp := range g.filePairs {
		if g.placements[placementKey(diskID, fp.JadeFilePairID)] {
			count++
		}
	}
	return count, nil
}

func (g *fakeGateway) SizeFilePairs(_ context.Context, diskID int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var size int64
	for _, fp := range g.filePairs {
		if g.placements[placementKey(diskID, fp.JadeFilePairID)] {
			size += fp.ArchiveSize
		}
	}
	return size, nil
}

func (g *fakeGateway) ListPlacements(_ context.Context, diskID int64) ([]catalog.PlacedFilePair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var placed []catalog.PlacedFilePair
	for _, fp := range g.filePairs {
		if !g.placements[placementKey(diskID, fp.JadeFilePairID)] {
			continue
		}
		count := int32(0)
		for key := range g.placements {
			var d, p int64
			fmt.Sscanf(key, "%d:%d", &d, &p)
			if p == fp.JadeFilePairID {
				count++
			}
		}
		placed = append(placed, catalog.PlacedFilePair{FilePair: *fp, DiskCount: count})
	}
	return placed, nil
}

// placementCount возвращает число связей для пары.
func (g *fakeGateway) placementCount(pairID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for key := range g.placements {
		var d, p int64
		fmt.Sscanf(key, "%d:%d", &d, &p)
		if p == pairID {
			count++
		}
	}
	return count
}

// fakeSender записывает отправленные письма.
type fakeSender struct {
	mu       sync.Mutex
	subjects []string
}

func (s *fakeSender) Send(subject, _ string, _ []config.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
	return nil
}

// fakeRenderer — рендерер-заглушка.
type fakeRenderer struct{}

func (fakeRenderer) Render(_ string, _ any) (string, error) {
	return "тело письма", nil
}

// testProber — управляемые факты о слотах.
type testProber struct {
	mu     sync.Mutex
	mounts map[string]inventory.Mount
}

func (p *testProber) Probe(path string) inventory.Mount {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.mounts[path]; ok {
		return m
	}
	return inventory.Mount{Path: path}
}

func (p *testProber) setFree(path string, free int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.mounts[path]
	m.FreeBytes = free
	p.mounts[path] = m
}

// testHarness — собранный движок с фальшивками.
type testHarness struct {
	da     *DiskArchiver
	gw     *fakeGateway
	stage  *stage.Stage
	sender *fakeSender
	prober *testProber
	mounts []string
}

// newTestHarness собирает DiskArchiver поверх временных директорий.
// numCopies — требуемое число копий архива; mountCount — число слотов.
func newTestHarness(t *testing.T, numCopies, mountCount int) *testHarness {
	t.Helper()
	base := t.TempDir()

	dirs := map[string]string{}
	for _, name := range []string{"inbox", "work", "cache", "problem_files"} {
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("не удалось создать директорию %s: %v", name, err)
		}
		dirs[name] = dir
	}

	var mounts []string
	prober := &testProber{mounts: map[string]inventory.Mount{}}
	for i := 1; i <= mountCount; i++ {
		mount := filepath.Join(base, fmt.Sprintf("slot%d", i))
		if err := os.MkdirAll(mount, 0o750); err != nil {
			t.Fatalf("не удалось создать слот: %v", err)
		}
		mounts = append(mounts, mount)
		prober.mounts[mount] = inventory.Mount{
			Path:         mount,
			IsMountPoint: true,
			Writable:     true,
			Serial:       fmt.Sprintf("SN-%03d", i),
			FreeBytes:    100 << 20,
			TotalBytes:   1 << 30,
		}
	}

	cfg := &config.DatamoveConfig{
		SpsDiskArchiver: config.SpsDiskArchiverConfig{
			ArchiveHeadroom:       0,
			CacheDir:              dirs["cache"],
			InboxDir:              dirs["inbox"],
			ProblemFilesDir:       dirs["problem_files"],
			WorkDir:               dirs["work"],
			ReclaimWork:           true,
			CloseSemaphoreName:    config.DefaultCloseSemaphoreName,
			KeyPrefix:             config.DefaultKeyPrefix,
			WorkCycleSleepSeconds: 1,
		},
	}

	gw := newFakeGateway()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	st := stage.New(dirs["inbox"], dirs["work"], dirs["cache"], dirs["problem_files"])
	inv := inventory.New(mounts, gw, prober, testHostID, 31536000, logger)
	sender := &fakeSender{}

	archives := &config.DiskArchives{Archives: []config.DiskArchive{{
		ID:          1,
		UUID:        testArchiveUUID,
		Description: "IceCube Disk Archive",
		Name:        "Disk-IceCube",
		NumCopies:   numCopies,
		Paths:       mounts,
		ShortName:   "A",
	}}}
	streams := &config.DataStreams{Streams: []config.DataStream{{
		ID:       1,
		UUID:     testStreamUUID,
		Active:   true,
		Archives: []string{testArchiveUUID},
	}}}
	contacts := &config.Contacts{Contacts: []config.Contact{
		{Name: "Admin", Email: "admin@example.edu", Role: config.RoleJadeAdmin},
	}}

	da := New(Deps{
		Config:    cfg,
		Gateway:   gw,
		Inventory: inv,
		Stage:     st,
		Writer:    &LocalDiskWriter{},
		Renderer:  fakeRenderer{},
		Sender:    sender,
		Contacts:  contacts,
		Streams:   streams,
		Archives:  archives,
		Host:      model.JadeHost{JadeHostID: testHostID, HostName: "jade01"},
		Logger:    logger,
	})
	da.hardwareMeta = func(string) (string, error) { return `{"metadata":[]}`, nil }
	da.diskSpace = func(string) (int64, int64, error) { return 100 << 20, 1 << 30, nil }

	return &testHarness{da: da, gw: gw, stage: st, sender: sender, prober: prober, mounts: mounts}
}

// dropInbox кладёт файл пары в inbox и регистрирует её в каталоге.
func (h *testHarness) dropInbox(t *testing.T, size int64) *model.JadeFilePair {
	t.Helper()
	fp := h.gw.addFilePair(testFilePairUUID, testInboxName, size)
	data := make([]byte, size)
	if err := os.WriteFile(filepath.Join(h.stage.InboxDir, testInboxName), data, 0o640); err != nil {
		t.Fatalf("не удалось создать файл inbox: %v", err)
	}
	return fp
}

// TestSingleCopyPlacement — сценарий S1: одна копия, один свободный
// слот. Ожидается: строка диска с меткой A_1_<год>_0001, связь
// записана, файл на носителе, копия в кэше, date_archived проставлен.
func TestSingleCopyPlacement(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	fp := h.dropInbox(t, 4096)

	if err := h.da.RunOnce(context.Background()); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}

	// Строка диска с ожидаемой меткой
	var disk *model.JadeDisk
	for _, d := range h.gw.disks {
		disk = d
	}
	if disk == nil {
		t.Fatal("строка диска не создана")
	}
	expected := catalog.FormatLabel("A", 1, time.Now().UTC().Year(), 1)
	if disk.Label != expected {
		t.Errorf("метка: ожидалось %s, получено %s", expected, disk.Label)
	}

	// Связь диск<->пара
	if count := h.gw.placementCount(fp.JadeFilePairID); count != 1 {
		t.Errorf("размещений: ожидалось 1, получено %d", count)
	}

	// Файл на носителе под <uuid>/<archive_file>
	placedPath := filepath.Join(h.mounts[0], testFilePairUUID, testInboxName)
	if _, err := os.Stat(placedPath); err != nil {
		t.Errorf("файл не найден на носителе: %v", err)
	}

	// Метка на корне носителя
	if _, err := os.Stat(filepath.Join(h.mounts[0], "label.json")); err != nil {
		t.Errorf("label.json не найден: %v", err)
	}

	// Копия в удерживающем кэше
	if _, err := os.Stat(filepath.Join(h.stage.CacheDir, testInboxName)); err != nil {
		t.Errorf("файл не найден в кэше: %v", err)
	}

	// Отметка архивирования
	if fp.DateArchived == nil || fp.ArchivedByHostID == nil || *fp.ArchivedByHostID != testHostID {
		t.Error("date_archived и archived_by_host_id должны быть проставлены")
	}
}

// TestCloseOnSemaphore — сценарий S2: семафор закрытия после
// размещения. Ожидается: манифест по UUID диска, closed=true, письмо,
// уборщик удаляет копию из кэша (N=1 достигнут).
func TestCloseOnSemaphore(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	h.dropInbox(t, 4096)
	ctx := context.Background()

	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка первого цикла: %v", err)
	}

	var disk *model.JadeDisk
	for _, d := range h.gw.disks {
		disk = d
	}

	// Оператор просит закрыть диск
	semaphore := filepath.Join(h.mounts[0], config.DefaultCloseSemaphoreName)
	if err := os.WriteFile(semaphore, nil, 0o640); err != nil {
		t.Fatalf("не удалось создать семафор: %v", err)
	}

	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка второго цикла: %v", err)
	}

	// Манифест назван по UUID диска и содержит размещённую пару
	manifest, err := metadata.ReadManifest(h.mounts[0], disk.UUID)
	if err != nil {
		t.Fatalf("манифест не найден: %v", err)
	}
	if manifest.UUID != disk.UUID || manifest.Label != disk.Label {
		t.Error("шапка манифеста не совпадает со строкой каталога")
	}
	if len(manifest.Files) != 1 || manifest.Files[0].UUID != testFilePairUUID {
		t.Errorf("files[] манифеста должен перечислять размещённые пары: %+v", manifest.Files)
	}

	if !disk.Closed {
		t.Error("диск должен быть закрыт в каталоге")
	}
	if disk.NumFilePairs != 1 || disk.SizeFilePairs != 4096 {
		t.Errorf("агрегаты диска: ожидалось 1/4096, получено %d/%d",
			disk.NumFilePairs, disk.SizeFilePairs)
	}

	// Семафор удалён
	if _, err := os.Stat(semaphore); !os.IsNotExist(err) {
		t.Error("семафор должен быть удалён после успешного закрытия")
	}

	// Письмо отправлено
	if len(h.sender.subjects) != 1 {
		t.Errorf("писем: ожидалось 1, получено %d", len(h.sender.subjects))
	}

	// Уборщик удалил копию из кэша: N=1 достигнут
	if _, err := os.Stat(filepath.Join(h.stage.CacheDir, testInboxName)); !os.IsNotExist(err) {
		t.Error("копия должна исчезнуть из кэша после закрытия диска")
	}
}

// TestNoAvailableDisk — сценарий S3: две копии, один слот. Вторая
// копия пропускается мягким условием, файл остаётся в work и
// возвращается фазой R, связей не дублируется.
func TestNoAvailableDisk(t *testing.T) {
	h := newTestHarness(t, 2, 1)
	fp := h.dropInbox(t, 4096)
	ctx := context.Background()

	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}

	// Первая копия записана, вторая — нет
	if count := h.gw.placementCount(fp.JadeFilePairID); count != 1 {
		t.Errorf("размещений: ожидалось 1, получено %d", count)
	}

	// Файл не ушёл в кэш: репликация не завершена
	if _, err := os.Stat(filepath.Join(h.stage.CacheDir, testInboxName)); !os.IsNotExist(err) {
		t.Error("файл не должен попадать в кэш до записи всех копий")
	}

	// Следующий цикл: файл возвращён фазой R и повторён; второй слот
	// так и не появился, размещение по-прежнему одно
	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка второго цикла: %v", err)
	}
	if count := h.gw.placementCount(fp.JadeFilePairID); count != 1 {
		t.Errorf("повтор не должен дублировать связи: получено %d", count)
	}
}

// TestPlacementRetry_NoDuplicates — сценарий S6: повтор размещения
// после аварии между записью на носитель и фиксацией каталога не
// создаёт дубликатов связей.
func TestPlacementRetry_NoDuplicates(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	fp := h.dropInbox(t, 4096)
	ctx := context.Background()

	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}

	// «Авария»: файл вернулся в inbox (как будто из work фазой R),
	// но размещение уже записано
	cachePath := filepath.Join(h.stage.CacheDir, testInboxName)
	inboxPath := filepath.Join(h.stage.InboxDir, testInboxName)
	if err := os.Rename(cachePath, inboxPath); err != nil {
		t.Fatalf("не удалось вернуть файл в inbox: %v", err)
	}

	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка повторного цикла: %v", err)
	}

	if count := h.gw.placementCount(fp.JadeFilePairID); count != 1 {
		t.Errorf("после повтора: ожидалось 1 размещение, получено %d", count)
	}
	// Файл снова дошёл до кэша
	if _, err := os.Stat(cachePath); err != nil {
		t.Errorf("файл должен вернуться в кэш: %v", err)
	}
}

// TestHeadroomBoundary проверяет граничное поведение резерва:
// free - size < headroom → диск on_hold и пропуск; ровно на границе —
// запись продолжается.
func TestHeadroomBoundary(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	h.da.sda.ArchiveHeadroom = 1 << 20
	fp := h.dropInbox(t, 4096)
	ctx := context.Background()

	// Свободного места не хватает на один байт
	h.prober.setFree(h.mounts[0], (1<<20)+4096-1)
	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}
	if count := h.gw.placementCount(fp.JadeFilePairID); count != 0 {
		t.Errorf("при нехватке места размещений быть не должно, получено %d", count)
	}
	var disk *model.JadeDisk
	for _, d := range h.gw.disks {
		disk = d
	}
	if disk == nil || !disk.OnHold {
		t.Fatal("логически заполненный диск должен быть on_hold")
	}
	disk.OnHold = false

	// Ровно на границе: free - size == headroom → запись идёт
	h.prober.setFree(h.mounts[0], (1<<20)+4096)
	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка второго цикла: %v", err)
	}
	if count := h.gw.placementCount(fp.JadeFilePairID); count != 1 {
		t.Errorf("на границе резерва размещение должно пройти, получено %d", count)
	}
}

// TestMalformedInboxName — сценарий S5: неразбираемое имя уходит в
// карантин с файлом-причиной, цикл продолжается.
func TestMalformedInboxName(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	badName := "ukey_notauuid_xyz.tar"
	if err := os.WriteFile(filepath.Join(h.stage.InboxDir, badName), []byte("x"), 0o640); err != nil {
		t.Fatalf("не удалось создать файл: %v", err)
	}

	if err := h.da.RunOnce(context.Background()); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}

	if _, err := os.Stat(filepath.Join(h.stage.ProblemFilesDir, badName)); err != nil {
		t.Errorf("файл не найден в карантине: %v", err)
	}
	why, err := os.ReadFile(filepath.Join(h.stage.ProblemFilesDir, badName+stage.ReasonSuffix))
	if err != nil {
		t.Fatalf("файл-причина не найден: %v", err)
	}
	if len(why) == 0 {
		t.Error("файл-причина пуст")
	}
}

// TestJanitorKeepsUnderReplicated проверяет инвариант: пара покидает
// кэш только при N закрытых неплохих копиях.
func TestJanitorKeepsUnderReplicated(t *testing.T) {
	h := newTestHarness(t, 2, 1)
	fp := h.gw.addFilePair(testFilePairUUID, testInboxName, 4096)
	if err := os.WriteFile(filepath.Join(h.stage.CacheDir, testInboxName), make([]byte, 4096), 0o640); err != nil {
		t.Fatalf("не удалось создать файл кэша: %v", err)
	}

	// Одна закрытая копия из двух требуемых
	diskUUID := uuid.New().String()
	disk, err := h.gw.OpenDisk(context.Background(), &catalog.NewDisk{
		Label: "A_1_2026_0001", UUID: diskUUID, DiskArchiveUUID: testArchiveUUID,
		JadeHostID: testHostID, CopyID: 1, DevicePath: h.mounts[0],
	})
	if err != nil {
		t.Fatalf("не удалось создать диск: %v", err)
	}
	_ = h.gw.RecordPlacement(context.Background(), disk.JadeDiskID, fp.JadeFilePairID, testHostID, time.Now())
	_ = h.gw.CloseDisk(context.Background(), diskUUID, time.Now(), 1, 4096)

	if err := h.da.cleanCache(context.Background()); err != nil {
		t.Fatalf("ошибка уборки кэша: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.stage.CacheDir, testInboxName)); err != nil {
		t.Error("файл с неполной репликацией должен остаться в кэше")
	}

	// Вторая закрытая копия: теперь файл можно удалить
	disk2UUID := uuid.New().String()
	disk2, err := h.gw.OpenDisk(context.Background(), &catalog.NewDisk{
		Label: "A_2_2026_0001", UUID: disk2UUID, DiskArchiveUUID: testArchiveUUID,
		JadeHostID: testHostID, CopyID: 2, DevicePath: h.mounts[0],
	})
	if err != nil {
		t.Fatalf("не удалось создать второй диск: %v", err)
	}
	_ = h.gw.RecordPlacement(context.Background(), disk2.JadeDiskID, fp.JadeFilePairID, testHostID, time.Now())
	_ = h.gw.CloseDisk(context.Background(), disk2UUID, time.Now(), 1, 4096)

	if err := h.da.cleanCache(context.Background()); err != nil {
		t.Fatalf("ошибка повторной уборки: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.stage.CacheDir, testInboxName)); !os.IsNotExist(err) {
		t.Error("файл с полной репликацией должен быть удалён из кэша")
	}
}

// TestJanitorLeavesUnknownStream проверяет: файл с удалённым из
// конфигурации потоком остаётся в кэше.
func TestJanitorLeavesUnknownStream(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	fp := h.gw.addFilePair(testFilePairUUID, testInboxName, 4096)
	fp.JadeDataStreamUUID = "00000000-0000-0000-0000-000000000000"
	if err := os.WriteFile(filepath.Join(h.stage.CacheDir, testInboxName), make([]byte, 4096), 0o640); err != nil {
		t.Fatalf("не удалось создать файл кэша: %v", err)
	}

	if err := h.da.cleanCache(context.Background()); err != nil {
		t.Fatalf("ошибка уборки кэша: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.stage.CacheDir, testInboxName)); err != nil {
		t.Error("файл неизвестного потока должен остаться в кэше")
	}
}

// TestGetStatus проверяет снимок состояния после цикла.
func TestGetStatus(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	h.dropInbox(t, 4096)
	ctx := context.Background()

	if err := h.da.RunOnce(ctx); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}

	s := h.da.GetStatus(ctx)
	if s.Status != "OK" {
		t.Errorf("статус: ожидалось OK, получено %s", s.Status)
	}
	if len(s.Workers) != 1 {
		t.Fatalf("ожидался 1 worker, получено %d", len(s.Workers))
	}
	slot, ok := s.Workers[0].ArchivalDisks[h.mounts[0]]
	if !ok {
		t.Fatal("слот отсутствует в снимке")
	}
	if slot.Status != model.DiskInUse {
		t.Errorf("слот: ожидалось %s, получено %s", model.DiskInUse, slot.Status)
	}
}

// TestChecksumMismatchQuarantine проверяет сверку SHA-512: пара с
// расходящейся каталожной суммой уходит в карантин, связь не пишется.
func TestChecksumMismatchQuarantine(t *testing.T) {
	h := newTestHarness(t, 1, 1)
	fp := h.dropInbox(t, 4096)
	fp.ArchiveChecksum = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := h.da.RunOnce(context.Background()); err != nil {
		t.Fatalf("ошибка рабочего цикла: %v", err)
	}

	if count := h.gw.placementCount(fp.JadeFilePairID); count != 0 {
		t.Errorf("при расхождении суммы размещений быть не должно, получено %d", count)
	}
	if _, err := os.Stat(filepath.Join(h.stage.ProblemFilesDir, testInboxName)); err != nil {
		t.Errorf("файл не найден в карантине: %v", err)
	}
}

// TestLocalDiskWriter_Checksum проверяет streaming-подсчёт SHA-512
// при записи на носитель.
func TestLocalDiskWriter_Checksum(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src.tar")
	content := []byte("архивные данные для проверки суммы")
	if err := os.WriteFile(src, content, 0o640); err != nil {
		t.Fatalf("не удалось создать исходный файл: %v", err)
	}
	mount := filepath.Join(base, "mount")
	if err := os.MkdirAll(mount, 0o750); err != nil {
		t.Fatalf("не удалось создать носитель: %v", err)
	}

	w := &LocalDiskWriter{}
	checksum, err := w.WriteFilePair(mount, testFilePairUUID, src, "data.tar")
	if err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	expected := sha512.Sum512(content)
	if checksum != hex.EncodeToString(expected[:]) {
		t.Errorf("контрольная сумма: ожидалось %x, получено %s", expected, checksum)
	}

	placed, err := os.ReadFile(filepath.Join(mount, testFilePairUUID, "data.tar"))
	if err != nil {
		t.Fatalf("записанный файл не найден: %v", err)
	}
	if string(placed) != string(content) {
		t.Error("содержимое записанного файла не совпадает с исходным")
	}
}
