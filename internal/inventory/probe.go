// probe.go — сбор сырых фактов о слоте прямыми системными вызовами.
// Исторический инструментарий для этого запускал mountpoint и lsblk;
// здесь та же информация читается из stat/statfs, /proc/self/mounts и
// /sys/class/block напрямую, без дочерних процессов.
package inventory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// probeTimeout — предел на опрос одного слота. Зависший statfs на
// умирающем носителе не должен останавливать весь цикл: слот по
// таймауту считается NotMounted до следующей попытки.
const probeTimeout = 5 * time.Second

// SysProber — штатная реализация Prober поверх системных вызовов.
type SysProber struct{}

// Probe собирает факты об одном слоте с ограничением по времени.
func (p SysProber) Probe(path string) Mount {
	done := make(chan Mount, 1)
	go func() {
		done <- p.probe(path)
	}()
	select {
	case m := <-done:
		return m
	case <-time.After(probeTimeout):
		return Mount{Path: path}
	}
}

// probe собирает факты об одном слоте.
func (SysProber) probe(path string) Mount {
	m := Mount{Path: path}

	if !IsMountPoint(path) {
		return m
	}
	m.IsMountPoint = true

	m.Writable = isWritableDir(path)

	if free, total, err := DiskSpace(path); err == nil {
		m.FreeBytes = free
		m.TotalBytes = total
	}

	if serial, err := SerialForMount(path); err == nil {
		m.Serial = serial
	}

	return m
}

// IsMountPoint определяет, является ли путь точкой монтирования:
// st_dev директории отличается от st_dev её родителя.
func IsMountPoint(path string) bool {
	var st, parentSt syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return false
	}
	parent := filepath.Dir(path)
	if err := syscall.Stat(parent, &parentSt); err != nil {
		return false
	}
	if st.Dev != parentSt.Dev {
		return true
	}
	// Корень файловой системы: та же inode, что у родителя
	return st.Ino == parentSt.Ino
}

// DiskSpace возвращает свободное и общее место файловой системы.
func DiskSpace(path string) (free, total int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}
	total = int64(stat.Blocks) * int64(stat.Bsize)
	free = int64(stat.Bavail) * int64(stat.Bsize)
	return free, total, nil
}

// isWritableDir проверяет запись в директорию канареечным файлом.
func isWritableDir(path string) bool {
	canary := filepath.Join(path, ".writability_test_"+uuid.New().String())
	f, err := os.OpenFile(canary, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return false
	}
	_, werr := f.Write([]byte("test"))
	f.Close()
	os.Remove(canary)
	return werr == nil
}

// SerialForMount возвращает серийный номер устройства, на котором
// смонтирован путь: /proc/self/mounts → имя блочного устройства →
// /sys/class/block/<имя>/device/serial (с подъёмом к родительскому
// устройству для разделов).
func SerialForMount(mountPath string) (string, error) {
	dev, err := deviceForMount(mountPath)
	if err != nil {
		return "", err
	}
	return serialForDevice(dev)
}

// deviceForMount находит имя блочного устройства для пути монтирования.
func deviceForMount(mountPath string) (string, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return "", fmt.Errorf("ошибка открытия /proc/self/mounts: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[1] == mountPath && strings.HasPrefix(fields[0], "/dev/") {
			return filepath.Base(fields[0]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ошибка чтения /proc/self/mounts: %w", err)
	}
	return "", fmt.Errorf("блочное устройство для %s не найдено в /proc/self/mounts", mountPath)
}

// serialForDevice читает серийный номер из sysfs. Для раздела (sdc1)
// поднимается к родительскому устройству (sdc).
func serialForDevice(dev string) (string, error) {
	candidates := []string{dev, parentDevice(dev)}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/sys/class/block", name, "device", "serial"))
		if err == nil {
			serial := strings.TrimSpace(string(data))
			if serial != "" {
				return serial, nil
			}
		}
	}
	return "", fmt.Errorf("серийный номер устройства %s не найден в sysfs", dev)
}

// parentDevice отбрасывает номер раздела: sdc1 → sdc, nvme0n1p2 → nvme0n1.
func parentDevice(dev string) string {
	if i := strings.LastIndex(dev, "p"); i > 0 && strings.HasPrefix(dev, "nvme") {
		return dev[:i]
	}
	trimmed := strings.TrimRight(dev, "0123456789")
	if trimmed == dev {
		return ""
	}
	return trimmed
}

// HardwareMetadata — слепок ссылок /dev/disk/by-* на устройство,
// записывается в строку каталога при открытии диска.
type HardwareMetadata struct {
	Metadata []string `json:"metadata"`
}

// CollectHardwareMetadata собирает имена символических ссылок
// /dev/disk/by-{id,path,uuid}, указывающих на устройство данной точки
// монтирования, и сериализует их в JSON.
func CollectHardwareMetadata(mountPath string) (string, error) {
	dev, err := deviceForMount(mountPath)
	if err != nil {
		return "", err
	}

	var names []string
	for _, dir := range []string{"/dev/disk/by-id", "/dev/disk/by-path", "/dev/disk/by-uuid"} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			target, err := os.Readlink(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if filepath.Base(target) == dev {
				names = append(names, entry.Name())
			}
		}
	}

	data, err := json.Marshal(&HardwareMetadata{Metadata: names})
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации hardware metadata: %w", err)
	}
	return string(data), nil
}
