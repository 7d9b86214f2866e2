package terminal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deskwire/deskwire/internal/common/errors"
	"github.com/deskwire/deskwire/pkg/protocol"
	"github.com/gorilla/websocket"
)

const helloTimeout = 10 * time.Second

// ServeViewer runs the viewer side of a terminal session on an upgraded
// WebSocket. The first frame must carry the one-shot token; afterwards the
// loop relays viewer messages until either side closes.
func (b *Broker) ServeViewer(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	var hello struct {
		Type         string `json:"type"`
		SessionToken string `json:"sessionToken"`
		Cols         int    `json:"cols"`
		Rows         int    `json:"rows"`
	}
	if err := json.Unmarshal(raw, &hello); err != nil || hello.SessionToken == "" {
		writeViewerError(ws, "session token required", errors.KindAuthFailed)
		return
	}

	sess, err := b.Attach(ctx, hello.SessionToken, hello.Cols, hello.Rows, ws)
	if err != nil {
		writeViewerError(ws, err.Error(), errors.Kind(err))
		return
	}
	defer b.Teardown(sess.ID, true)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := b.HandleViewerMessage(ctx, sess, raw); err != nil {
			b.logger.Debug("viewer message failed",
				"session_id", sess.ID, "error", err)
			if errors.Kind(err) == errors.KindAgentDisconnected {
				return
			}
		}
	}
}

func writeViewerError(ws *websocket.Conn, msg, code string) {
	out, err := json.Marshal(protocol.ViewerError{
		Type:  protocol.ServerError,
		Error: msg,
		Code:  code,
	})
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, out)
	closeMsg := websocket.FormatCloseMessage(protocol.ClosePolicyViolation, code)
	_ = ws.WriteMessage(websocket.CloseMessage, closeMsg)
}
