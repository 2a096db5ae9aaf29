// metrics.go — Prometheus-метрики Disk Archiver.
package archiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cyclesTotal — количество завершённых рабочих циклов.
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "da_work_cycles_total",
		Help: "Общее количество рабочих циклов Disk Archiver",
	}, []string{"result"})

	// cycleDuration — длительность рабочего цикла.
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "da_work_cycle_duration_seconds",
		Help:    "Длительность рабочего цикла в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})

	// placementsTotal — количество записанных размещений.
	placementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_placements_total",
		Help: "Общее количество размещений файловых пар на дисках",
	})

	// placedBytesTotal — объём размещённых данных.
	placedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_placed_bytes_total",
		Help: "Общий объём размещённых архивных файлов в байтах",
	})

	// problemFilesTotal — количество файлов, отправленных в карантин.
	problemFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_problem_files_total",
		Help: "Общее количество файлов, перемещённых в problem_files",
	})

	// disksOpenedTotal и disksClosedTotal — жизненный цикл дисков.
	disksOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_disks_opened_total",
		Help: "Общее количество открытых архивных дисков",
	})
	disksClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_disks_closed_total",
		Help: "Общее количество закрытых архивных дисков",
	})

	// noAvailableDiskTotal — пропуски копий из-за отсутствия
	// свободного слота (мягкое условие, повтор в следующем цикле).
	noAvailableDiskTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_no_available_disk_total",
		Help: "Количество пропусков копий из-за отсутствия доступного диска",
	})

	// cacheDeletesTotal — файлы, удалённые уборщиком кэша.
	cacheDeletesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "da_cache_deletes_total",
		Help: "Общее количество файлов, удалённых из удерживающего кэша",
	})
)
