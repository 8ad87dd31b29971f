package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetroute/internal/jobs"
	"fleetroute/internal/model"
	"fleetroute/internal/store"
)

const (
	EventSnapshot = "job.snapshot"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

func snapshotEvent(job *model.Job) jobs.Event {
	return jobs.Event{Type: EventSnapshot, JobID: job.ID, TS: time.Now().UTC(), Data: map[string]any{
		"status":      job.Status,
		"progress":    job.Progress,
		"shiftId":     job.ShiftID,
		"generation":  job.Generation,
		"generations": job.Generations,
		"bestCost":    job.BestCost,
	}}
}

// JobStreamHandler handles GET /v1/jobs/{id}/ws. The first message is a snapshot
// of the job; live events follow until the job finishes or the client goes away.
func (s *Server) JobStreamHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Job not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Load job failed", err.Error(), r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	write := func(evt jobs.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(evt)
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	// Read after subscribing so a job finishing in between is still reported.
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		return
	}
	if err := write(snapshotEvent(job)); err != nil {
		return
	}
	if job.Status.Terminal() {
		closeNormal()
		return
	}

	// The read loop only services control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(evt); err != nil {
				return
			}
			if evt.Type == jobs.EventFinished {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
