package email

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestComma проверяет форматирование с разделителями тысяч.
func TestComma(t *testing.T) {
	cases := map[int64]string{
		0:             "0",
		999:           "999",
		12345:         "12,345",
		123456789:     "123,456,789",
		5952694763520: "5,952,694,763,520",
		-12345:        "-12,345",
	}
	for n, expected := range cases {
		if got := Comma(n); got != expected {
			t.Errorf("Comma(%d): ожидалось %s, получено %s", n, expected, got)
		}
	}
}

// TestRateBytesSec проверяет вычисление скорости записи.
func TestRateBytesSec(t *testing.T) {
	start := time.Date(2024, time.December, 11, 19, 10, 25, 0, time.UTC)
	stop := start.Add(100 * time.Second)

	rate, err := RateBytesSec(start, stop, 1000)
	if err != nil {
		t.Fatalf("ошибка вычисления скорости: %v", err)
	}
	if rate != 10 {
		t.Errorf("скорость: ожидалось 10, получено %d", rate)
	}
}

// TestRateBytesSec_NonPositiveDuration проверяет защиту от
// отрицательной и нулевой длительности.
func TestRateBytesSec_NonPositiveDuration(t *testing.T) {
	now := time.Now()
	if _, err := RateBytesSec(now, now, 1000); err == nil {
		t.Error("ожидалась ошибка при нулевой длительности")
	}
	if _, err := RateBytesSec(now, now.Add(-time.Hour), 1000); err == nil {
		t.Error("ожидалась ошибка при отрицательной длительности")
	}
}

// testTemplate — сокращённый шаблон письма о заполненном диске.
const testTemplate = `jade has filled an archival disk.

Host:         {{.Hostname}}
Archive:      {{.ArchiveName}}

ID:           {{.Disk.ID}}
Label:        {{.Disk.Label}}
Copy:         {{.Disk.CopyID}}
UUID:         {{.Disk.UUID}}

Rate:         {{comma .RateBytesSec}} bytes/sec
File Count:   {{comma .NumFilePairs}}
Data Size:    {{comma .SizeFilePairs}} bytes

({{len .AvailablePaths}}) Available:
{{- range .AvailablePaths}}
    {{.}}
{{- end}}
`

// TestTemplateRenderer проверяет компиляцию по glob и рендеринг с
// функцией comma.
func TestTemplateRenderer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CloseDiskTemplate)
	if err := os.WriteFile(path, []byte(testTemplate), 0o640); err != nil {
		t.Fatalf("не удалось записать шаблон: %v", err)
	}

	renderer, err := NewTemplateRenderer(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		t.Fatalf("ошибка компиляции шаблонов: %v", err)
	}

	ec := DiskClosedContext{
		Hostname:    "jade01",
		ArchiveName: "IceCube Disk Archive",
		Disk: EmailDisk{
			ID:     1884,
			Label:  "IceCube_2_2024_0062",
			CopyID: 2,
			UUID:   "4a976221-f39b-4e5e-a0c6-e4fa7e3e88d5",
		},
		NumFilePairs:   32351,
		SizeFilePairs:  5945177808502,
		RateBytesSec:   14025813,
		AvailablePaths: []string{"/mnt/slot7", "/mnt/slot12"},
	}

	body, err := renderer.Render(CloseDiskTemplate, &ec)
	if err != nil {
		t.Fatalf("ошибка рендеринга: %v", err)
	}

	for _, fragment := range []string{
		"Host:         jade01",
		"Label:        IceCube_2_2024_0062",
		"Rate:         14,025,813 bytes/sec",
		"File Count:   32,351",
		"Data Size:    5,945,177,808,502 bytes",
		"(2) Available:",
		"    /mnt/slot7",
	} {
		if !strings.Contains(body, fragment) {
			t.Errorf("в теле письма отсутствует фрагмент %q\n%s", fragment, body)
		}
	}
}

// TestTemplateRenderer_BadGlob проверяет отказ при glob без шаблонов.
func TestTemplateRenderer_BadGlob(t *testing.T) {
	if _, err := NewTemplateRenderer(filepath.Join(t.TempDir(), "*.tmpl")); err == nil {
		t.Error("ожидалась ошибка при glob без шаблонов")
	}
}
