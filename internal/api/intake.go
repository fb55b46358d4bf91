package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"veydha/internal/intake"
	"veydha/internal/service/patient"
	"veydha/internal/worker"
)

const sseKeepAlive = 15 * time.Second

type textRequest struct {
	Text string `json:"text"`
}

type optionRequest struct {
	Label string `json:"label"`
}

// inputResult is the body of every accepted-or-rejected input call.
type inputResult struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	State    intake.Snapshot `json:"state"`
}

func (h *Handler) startIntake(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	conv, created, err := h.intake.Start(c.Request.Context(), patientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	view := conv.View()
	c.JSON(status, gin.H{
		"session":  conv.Session,
		"state":    view.State,
		"messages": view.Messages,
	})
}

func (h *Handler) getIntake(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	view, ok := h.intake.Lookup(c.Request.Context(), patientID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no intake conversation"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) submitIntakeText(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	snap, err := h.intake.SubmitText(patientID, req.Text)
	h.writeInputResult(c, snap, err)
}

func (h *Handler) selectIntakeOption(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	var req optionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	snap, err := h.intake.SelectOption(patientID, req.Label)
	h.writeInputResult(c, snap, err)
}

func (h *Handler) writeInputResult(c *gin.Context, snap intake.Snapshot, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, inputResult{Accepted: true, State: snap})
	case errors.Is(err, worker.ErrNoConversation):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		// refused input is a normal outcome, never a server error
		c.JSON(http.StatusAccepted, inputResult{Reason: intake.RejectReason(err), State: snap})
	}
}

func (h *Handler) intakeHistory(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	history, err := h.patients.ListIntakeHistory(c.Request.Context(), patientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = make([]patient.IntakeRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": history})
}

func (h *Handler) intakeTranscript(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	messages, err := h.patients.GetIntakeMessages(c.Request.Context(), patientID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// streamIntake replays the transcript as SSE and follows it until the
// client leaves or the conversation ends.
func (h *Handler) streamIntake(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	conv, ok := h.intake.Get(patientID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no intake conversation"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	feed := newTranscriptFeed(conv)
	defer feed.close()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for _, msg := range feed.backlog() {
		c.SSEvent("message", msg)
	}
	c.SSEvent("state", conv.Controller.State())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		case msg, ok := <-feed.messages():
			if !ok {
				// fell behind; the client reconnects and replays
				return false
			}
			if !feed.fresh(msg) {
				return true
			}
			c.SSEvent("message", msg)
			if snap, changed := feed.stateChanged(); changed {
				c.SSEvent("state", snap)
			}
			return feed.last.Phase != intake.PhaseTerminated
		}
	})
}

// transcriptFeed follows a conversation for one client. It subscribes
// before taking the backlog so no append falls between the two.
type transcriptFeed struct {
	conv   *worker.Conversation
	sub    <-chan intake.Message
	cancel func()
	seen   map[string]bool
	last   intake.Snapshot
}

func newTranscriptFeed(conv *worker.Conversation) *transcriptFeed {
	sub, cancel := conv.Controller.Transcript().Subscribe()
	return &transcriptFeed{
		conv:   conv,
		sub:    sub,
		cancel: cancel,
		seen:   make(map[string]bool),
		last:   conv.Controller.State(),
	}
}

func (f *transcriptFeed) backlog() []intake.Message {
	msgs := f.conv.Controller.Transcript().Snapshot()
	for _, m := range msgs {
		f.seen[m.ID] = true
	}
	return msgs
}

func (f *transcriptFeed) messages() <-chan intake.Message {
	return f.sub
}

func (f *transcriptFeed) fresh(msg intake.Message) bool {
	if f.seen[msg.ID] {
		return false
	}
	f.seen[msg.ID] = true
	return true
}

func (f *transcriptFeed) stateChanged() (intake.Snapshot, bool) {
	snap := f.conv.Controller.State()
	changed := snap.Phase != f.last.Phase ||
		snap.AwaitingReply != f.last.AwaitingReply ||
		snap.CurrentStep != f.last.CurrentStep
	f.last = snap
	return snap, changed
}

func (f *transcriptFeed) close() {
	f.cancel()
}
