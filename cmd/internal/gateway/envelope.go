package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	v1 "duochat/shared/contracts/docstore/v1"

	"duochat/cmd/identity/ids"
)

// jsonError marks a frame that arrived intact but did not decode.
type jsonError struct{ err error }

func (e *jsonError) Error() string { return "bad json: " + e.err.Error() }
func (e *jsonError) Unwrap() error { return e.err }

func newEnvelope(typ, refID string, payload any) v1.Envelope {
	now := time.Now().UTC()
	id, _ := ids.NewULID(now)
	b, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		RefID:   refID,
		TS:      now,
		Payload: b,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &jsonError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
