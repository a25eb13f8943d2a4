package metrics
import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)
var (
	PasteCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebook_paste_created_total",
			Help: "no. of pastes created",
		},
		[]string{"style"},
	)
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebook_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteEdited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebook_paste_edited_total",
			Help: "no. of successful paste edits",
		},
		[]string{"style"},
	)
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebook_access_denied_total",
			Help: "no. of reads or edits refused by the access guard",
		},
		[]string{"reason"},
	)
	SchemaReprobes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebook_schema_reprobes_total",
		Help: "no. of times a query failed on a missing column or table and the schema was probed again",
	})
	SchemaRich = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebook_schema_rich",
		Help: "1 when every optional schema element was present at the last probe",
	})
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebook_storage_errors_total",
			Help: "no. of storage failures by kind",
		},
		[]string{"kind"},
	)
	ViewsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebook_views_dropped_total",
		Help: "no. of view increments dropped because the queue was full",
	})
	FileDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebook_file_downloads_total",
		Help: "no. of attachment downloads",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebook_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebook_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebook_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PastesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebook_pastes_expired_total",
		Help: "no. of expired pastes removed by the cleanup worker",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebook_encryption_operations_total",
			Help: "no. of attachment seal/open operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebook_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
