package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	apiRequestsTotal   *prometheus.CounterVec
	apiLatencySeconds  *prometheus.HistogramVec
	apiErrorsTotal     *prometheus.CounterVec
	chatMessagesSent   *prometheus.CounterVec
	chatroomsCreated   *prometheus.CounterVec
	chatConflicts      *prometheus.CounterVec
	chatNotifyFailures prometheus.Counter
	chatAttachments    *prometheus.CounterVec
	chatAttachRejected *prometheus.CounterVec
	chatServiceInfo    *prometheus.GaugeVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Chat messages stored, by message type.",
		}, []string{"type"})

		chatroomsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rooms_created_total",
			Help: "Chatrooms created, by kind.",
		}, []string{"kind"})

		chatConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_conflicts_recovered_total",
			Help: "Uniqueness races lost and retried, by operation.",
		}, []string{"operation"})

		chatNotifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_notifications_failed_total",
			Help: "Message notifications that could not be dispatched.",
		})

		chatAttachments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_attachments_uploaded_total",
			Help: "Chat attachments stored, by message type.",
		}, []string{"type"})

		chatAttachRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_attachment_rejected_total",
			Help: "Chat attachments rejected, by reason.",
		}, []string{"reason"})

		chatServiceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_service_info",
			Help: "Constant 1, labelled with the serving application name.",
		}, []string{"service"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			chatMessagesSent, chatroomsCreated, chatConflicts, chatNotifyFailures,
			chatAttachments, chatAttachRejected, chatServiceInfo,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

func ChatroomsCreated() *prometheus.CounterVec {
	RegisterMetrics()
	return chatroomsCreated
}

func ChatConflictsRecovered() *prometheus.CounterVec {
	RegisterMetrics()
	return chatConflicts
}

func ChatNotificationFailures() prometheus.Counter {
	RegisterMetrics()
	return chatNotifyFailures
}

func ChatAttachmentsUploaded() *prometheus.CounterVec {
	RegisterMetrics()
	return chatAttachments
}

func ChatAttachmentsRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return chatAttachRejected
}

func ChatServiceInfo() *prometheus.GaugeVec {
	RegisterMetrics()
	return chatServiceInfo
}
