package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/kvstream"
)

const (
	streamCatchupBatch = 200
	streamPingInterval = 15 * time.Second
)

// streamRunHandler handles GET /api/v1/runs/:id/stream.
//
// Server-sent events: replay the run's event stream from the optional
// `last_id` query parameter, then follow live pub/sub until the terminal
// control signal. A reconnecting client passes the last stream entry id it
// saw and misses nothing in between.
func (s *Server) streamRunHandler(c *gin.Context) {
	runID := c.Param("id")

	run, err := s.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	ctx := c.Request.Context()

	// Subscribe before the replay so events published in between are
	// waiting on the channel rather than lost.
	sub, err := s.kv.Subscribe(ctx, kvstream.RunResponseChannel(runID), kvstream.RunControlChannel(runID))
	if err != nil {
		s.logger.Error("Stream subscription failed", "run_id", runID, "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event stream unavailable"})
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	// Sequences start at zero, so the high-water mark starts below it.
	rs := &runStream{s: s, c: c, runID: runID, lastID: c.Query("last_id"), lastSeq: -1}
	if err := rs.replay(ctx); err != nil {
		s.logger.Warn("Stream replay failed", "run_id", runID, "error", err)
		return
	}

	// Re-check after the subscription is live: a run that went terminal
	// before it signals nobody again.
	if fresh, err := s.runs.GetRun(ctx, runID); err == nil {
		run = fresh
	}
	if isTerminalStatus(run.Status) {
		rs.end(ctx, events.TerminalControlSignal(run.Status))
		return
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			c.Writer.Flush()
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			switch msg.Channel {
			case kvstream.RunResponseChannel(runID):
				rs.send("", []byte(msg.Payload))
			case kvstream.RunControlChannel(runID):
				// STOP doubles as the inbound stop request and the terminal
				// signal of a stopped run; the database status, written
				// before the owner signals, tells them apart.
				if msg.Payload == events.ControlStop {
					st, err := s.runs.GetRun(ctx, runID)
					if err != nil || !isTerminalStatus(st.Status) {
						continue
					}
				}
				rs.end(ctx, msg.Payload)
				return
			}
		}
	}
}

// runStream tracks one SSE subscriber's position in a run's event stream.
type runStream struct {
	s     *Server
	c     *gin.Context
	runID string

	lastID  string // last stream entry id delivered
	lastSeq int64  // last envelope sequence delivered
}

// replay sends stream entries after lastID until the stream is exhausted.
func (rs *runStream) replay(ctx context.Context) error {
	for {
		entries, err := rs.s.kv.StreamRange(ctx, kvstream.RunStreamKey(rs.runID), rs.lastID, streamCatchupBatch)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			rs.send(entry.ID, []byte(entry.Fields["data"]))
		}
		if int64(len(entries)) < streamCatchupBatch {
			return nil
		}
	}
}

// send writes one envelope unless its sequence was already delivered.
// Live pub/sub and stream replay overlap around reconnects; the sequence
// makes delivery idempotent.
func (rs *runStream) send(entryID string, data []byte) {
	env, err := events.DecodeEnvelope(data)
	if err != nil {
		rs.s.logger.Warn("Undecodable stream payload", "run_id", rs.runID, "error", err)
		return
	}
	if env.Sequence <= rs.lastSeq {
		return
	}
	rs.lastSeq = env.Sequence
	if entryID != "" {
		rs.lastID = entryID
	}
	rs.c.SSEvent(string(env.Type), string(data))
	rs.c.Writer.Flush()
}

// end replays anything appended behind our last position, then closes the
// stream with a terminal event carrying the control signal.
func (rs *runStream) end(ctx context.Context, signal string) {
	if err := rs.replay(ctx); err != nil {
		rs.s.logger.Warn("Final stream replay failed", "run_id", rs.runID, "error", err)
	}
	rs.c.SSEvent("end", signal)
	rs.c.Writer.Flush()
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "stopped":
		return true
	}
	return false
}
