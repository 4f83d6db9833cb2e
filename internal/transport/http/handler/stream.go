package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/firstbad/bisectd/internal/metrics"
	"github.com/firstbad/bisectd/internal/stream"
	"github.com/gin-gonic/gin"
)

// jobReader is the read-only slice of the job usecase the stream needs.
type jobReader interface {
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
}

// StreamHandler serves live bisect output over Server-Sent Events. Live
// frames come from the in-process bus; terminal jobs are replayed from the
// transcript persisted with the job row.
type StreamHandler struct {
	jobs   jobReader
	bus    *stream.Bus
	logger *slog.Logger
}

func NewStreamHandler(jobs jobReader, bus *stream.Bus, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		jobs:   jobs,
		bus:    bus,
		logger: logger.With("component", "stream_handler"),
	}
}

func (h *StreamHandler) Stream(ctx *gin.Context) {
	id, ok := jobID(ctx)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "get job for stream", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	if !job.OwnedBy(ctx.GetString("subject")) {
		ctx.JSON(http.StatusForbidden, gin.H{"error": errAccessDenied})
		return
	}

	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")
	// Keep reverse proxies from buffering the stream.
	ctx.Header("X-Accel-Buffering", "no")

	w := ctx.Writer
	writeEvent(w, "status", string(job.Status))

	if job.Status.Terminal() {
		replayTranscript(w, job)
		writeEvent(w, "complete", "job already finished")
		return
	}

	if job.Status == domain.StatusPending {
		writeEvent(w, "log", "waiting for a worker to pick up the job")
	}

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	sub := h.bus.Subscribe(id, 0)
	defer sub.Close()

	reqCtx := ctx.Request.Context()
	missed := 0
	for {
		msg, ok := sub.Next(reqCtx)
		if !ok {
			break
		}

		if msg.Type == stream.MessageKeepalive {
			writeComment(w, "keepalive")
			// The bus is per-instance: when the job completes elsewhere the
			// local stream never ends, so reconcile against the database.
			current, err := h.jobs.GetJob(reqCtx, id)
			if err == nil && current.Status.Terminal() {
				writeEvent(w, "status", string(current.Status))
				replayTranscript(w, current)
				writeEvent(w, "complete", "job already finished")
				return
			}
			continue
		}

		if m := sub.Missed(); m > missed {
			writeEvent(w, "log", fmt.Sprintf(
				"%d lines dropped from the live buffer; the full transcript stays with the job", m-missed))
			missed = m
		}
		writeEvent(w, string(msg.Type), msg.Content)
	}

	// A nil context error means the bus completed rather than the client
	// going away, so the client is still listening for the final frame.
	if reqCtx.Err() == nil {
		writeEvent(w, "complete", "stream ended")
	}
}

func replayTranscript(w gin.ResponseWriter, job *domain.Job) {
	if job.OutputLog == nil || *job.OutputLog == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(*job.OutputLog, "\n"), "\n") {
		writeEvent(w, "log", line)
	}
}

// writeEvent emits one SSE frame, folding embedded newlines into multi-line
// data fields, and flushes so frames reach the client as they happen.
func writeEvent(w gin.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	w.Flush()
}

func writeComment(w gin.ResponseWriter, text string) {
	fmt.Fprintf(w, ": %s\n\n", text)
	w.Flush()
}
