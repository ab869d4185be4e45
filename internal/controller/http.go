package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/download"
	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/internal/registry"
	"github.com/ChuLiYu/jobfarm/internal/upload"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// Status is the /status document.
type Status struct {
	StartedAt time.Time              `json:"started_at"`
	Uptime    string                 `json:"uptime"`
	Clients   []registry.ClientInfo  `json:"clients"`
	Jobs      []jobmanager.JobInfo   `json:"jobs"`
	JobCounts map[types.JobState]int `json:"job_counts"`
	Uploads   UploadStatus           `json:"uploads"`
	Downloads DownloadStatus         `json:"downloads"`
	LogBus    LogBusStatus           `json:"log_bus"`
}

type UploadStatus struct {
	upload.Stats
	Tickets []upload.TicketInfo `json:"tickets"`
}

type DownloadStatus struct {
	Limit   int               `json:"limit"`
	Tickets []download.Ticket `json:"tickets"`
}

type LogBusStatus struct {
	Buffered int    `json:"buffered"`
	Dropped  uint64 `json:"dropped"`
}

func (c *Controller) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler(c.promReg))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	r.Get("/status", c.handleStatus)
	return r
}

// Snapshot collects a point-in-time view of every table and queue.
func (c *Controller) Snapshot() Status {
	return Status{
		StartedAt: c.startTime,
		Uptime:    time.Since(c.startTime).Truncate(time.Second).String(),
		Clients:   c.clients.Snapshot(),
		Jobs:      c.jobs.Snapshot(),
		JobCounts: c.jobs.Counts(),
		Uploads: UploadStatus{
			Stats:   c.uploads.Stats(),
			Tickets: c.uploads.Snapshot(),
		},
		Downloads: DownloadStatus{
			Limit:   c.downloads.Limit(),
			Tickets: c.downloads.Snapshot(),
		},
		LogBus: LogBusStatus{Buffered: c.bus.Len(), Dropped: c.bus.Dropped()},
	}
}

func (c *Controller) handleStatus(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		c.log.Error("failed to encode status", zap.Error(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
