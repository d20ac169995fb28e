package boundary

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
)

const stateUpdateInterval = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// stateUpdateMessage is pushed on the stateUpdateInterval cadence.
type stateUpdateMessage struct {
	Type       string                     `json:"type"`
	State      runtimestate.RuntimeState  `json:"state"`
	Signatures runtimestate.Signatures    `json:"signatures"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// logEventMessage is pushed immediately when an IntermediateLog event
// matching this connection's run arrives on the bus.
type logEventMessage struct {
	Type    string                 `json:"type"`
	AgentID string                 `json:"agent_id"`
	Payload map[string]interface{} `json:"payload"`
}

// handleWebSocket upgrades the connection and streams state_update and
// log_event messages until the run reaches a terminal state or the
// client disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	runID := c.Param("run_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(stateUpdateInterval)
	defer ticker.Stop()

	// Drain client reads in the background so control frames (pings,
	// close) are processed; this connection is server-push only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return

		case <-ticker.C:
			state, err := s.runs.GetState(runID)
			if err != nil {
				return
			}
			sigs, _ := s.runs.GetSignatures(runID)
			if err := conn.WriteJSON(stateUpdateMessage{
				Type: "state_update", State: state, Signatures: sigs, Timestamp: time.Now(),
			}); err != nil {
				return
			}
			if state.Status == runtimestate.StatusCompleted || state.Status == runtimestate.StatusFailed {
				return
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.RunID != runID || event.Type != cortex.EventIntermediateLog {
				continue
			}
			if err := conn.WriteJSON(logEventMessage{
				Type: "log_event", AgentID: event.AgentID, Payload: event.Payload,
			}); err != nil {
				return
			}
		}
	}
}
