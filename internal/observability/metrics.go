package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bcast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bcast_send_total", Help: "Sender call outcomes"},
		[]string{"platform", "result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "bcast_send_latency_seconds", Help: "Sender call latency"},
	)
	CampaignsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bcast_campaign_terminal_total", Help: "Campaigns reaching a terminal state"},
		[]string{"state"},
	)
	SchedulerReleases = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bcast_scheduler_released_total", Help: "Scheduled campaigns released for dispatch"},
	)
	TasksClaimLost = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bcast_task_claim_lost_total", Help: "Task claims lost to cancellation or a raced worker"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Sends, SendLatency, CampaignsTerminal, SchedulerReleases, TasksClaimLost)
}
