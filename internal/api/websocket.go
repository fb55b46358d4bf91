package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"veydha/internal/intake"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     sameOrigin,
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// sameOrigin admits browser handshakes only from the page's own host. The
// auth cookie rides along on any same-site request, so a sibling origin must
// not be able to open the socket. Non-browser clients send no Origin.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type wsInbound struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Label string `json:"label,omitempty"`
}

type wsOutbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsRejection struct {
	Reason string          `json:"reason"`
	State  intake.Snapshot `json:"state"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(msg wsOutbound) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (w *wsConn) closeWith(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteTimeout))
}

// intakeSocket drives the conversation over a websocket: the transcript and
// state go out, typed text and option clicks come in.
func (h *Handler) intakeSocket(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	conv, ok := h.intake.Get(patientID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no intake conversation"})
		return
	}
	logger := zerolog.Ctx(c.Request.Context()).With().Int64("patient_id", patientID).Logger()

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	ws := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := newTranscriptFeed(conv)
	defer feed.close()
	for _, msg := range feed.backlog() {
		if err := ws.send(wsOutbound{Type: "message", Data: msg}); err != nil {
			return
		}
	}
	if err := ws.send(wsOutbound{Type: "state", Data: conv.Controller.State()}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pumpTranscript(ctx, ws, feed)
		cancel()
		// unblock the reader
		raw.Close()
	}()
	defer wg.Wait()

	raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		var in wsInbound
		if err := raw.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read")
			}
			cancel()
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var snap intake.Snapshot
		switch in.Type {
		case "text":
			snap, err = h.intake.SubmitText(patientID, in.Text)
		case "option":
			snap, err = h.intake.SelectOption(patientID, in.Label)
		default:
			_ = ws.send(wsOutbound{Type: "error", Data: gin.H{"error": "unknown message type"}})
			continue
		}
		if err != nil {
			if sendErr := ws.send(wsOutbound{Type: "rejected", Data: wsRejection{Reason: intake.RejectReason(err), State: snap}}); sendErr != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *Handler) pumpTranscript(ctx context.Context, ws *wsConn, feed *transcriptFeed) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		case msg, ok := <-feed.messages():
			if !ok {
				// fell behind; the client reconnects and replays
				ws.closeWith(websocket.CloseTryAgainLater, "resync")
				return
			}
			if !feed.fresh(msg) {
				continue
			}
			if err := ws.send(wsOutbound{Type: "message", Data: msg}); err != nil {
				return
			}
			if snap, changed := feed.stateChanged(); changed {
				if err := ws.send(wsOutbound{Type: "state", Data: snap}); err != nil {
					return
				}
			}
		}
	}
}
