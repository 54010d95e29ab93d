package procstream

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// wsJSONWriter sends the bytes written to it as JSON messages.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with each chunk passed to Write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// base64 grows the payload by 4/3, plus the envelope
	writeLimit := readLimit / 3
	written := 0
	for written < len(b) {
		chunk := b[written:]
		if len(chunk) > writeLimit {
			chunk = chunk[:writeLimit]
		}
		msg := w.writeMsg(chunk)
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	w.log.Debugf("wrote %d bytes", written)
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	var err error
	sendClose := w.closeMsg != nil
	if sendClose {
		msg := w.closeMsg()
		err = wsjson.Write(w.ctx, w.conn, &msg)
	}
	w.log.Debugw("closed writer", "Error", err, "SentClose", sendClose)
	return err
}
