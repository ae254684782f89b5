package documents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordstore_documents_uploaded_total",
		Help: "Documents created by upload, by category.",
	}, []string{"category"})

	versionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_document_versions_created_total",
		Help: "Document versions created from an existing document.",
	})

	chainRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_document_chain_repairs_total",
		Help: "Version chains whose latest marker had to be repaired.",
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordstore_document_notifications_total",
		Help: "Document notifications by recipient and result.",
	}, []string{"recipient", "result"})

	auditWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordstore_access_log_write_failures_total",
		Help: "Access-log entries that could not be written on the first attempt.",
	})

	auditRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordstore_access_log_retries_total",
		Help: "Queued access-log entries replayed, by result.",
	}, []string{"result"})
)
