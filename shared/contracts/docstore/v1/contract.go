// Package v1 defines the duochat document gateway protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and remote store clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by the gateway.
const Subprotocol = "duochat.docstore.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeDocGet reads one document (client -> server).
	TypeDocGet = "doc_get"
	// TypeDocSet writes one document, optionally merging (client -> server).
	TypeDocSet = "doc_set"
	// TypeDocAdd creates a document with a server-assigned id (client -> server).
	TypeDocAdd = "doc_add"
	// TypeDocDelete removes one document (client -> server).
	TypeDocDelete = "doc_delete"
	// TypeDoc carries a document in reply to get/set/add (server -> client).
	TypeDoc = "doc"
	// TypeAck is an empty success reply (server -> client).
	TypeAck = "ack"

	// TypeSubscribe opens a live subscription on a collection (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription and names it (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe closes a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypeChange pushes one change notification (server -> client).
	TypeChange = "change"
	// TypeSubscriptionError ends a subscription with an error (server -> client).
	TypeSubscriptionError = "subscription_error"

	// TypeError is a generic error reply (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload and SubscriptionErrorPayload.
const (
	CodeBadJSON         = "bad_json"
	CodeBadEnvelope     = "bad_envelope"
	CodeUnsupported     = "unsupported"
	CodeHelloRequired   = "hello_required"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeRateLimited     = "rate_limited"
	CodeNotFound        = "not_found"
	CodeVersionMismatch = "version_mismatch"
	CodeInvalidPath     = "invalid_path"
	CodeOverflow        = "overflow"
	CodeUnknownSub      = "unknown_subscription"
	CodeBackpressure    = "backpressure"
	CodeInternal        = "internal"
)

// Envelope is the canonical wire wrapper.
// RefID links a reply to the ID of the request it answers.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RefID   string          `json:"ref_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeDocGet,
		TypeDocSet,
		TypeDocAdd,
		TypeDocDelete,
		TypeSubscribe,
		TypeUnsubscribe:
		// Requests are answered by RefID, so they need an ID.
		if strings.TrimSpace(e.ID) == "" {
			return errors.New("missing field: id")
		}
		return nil
	case TypeHelloAck,
		TypeDoc,
		TypeAck,
		TypeSubscribed,
		TypeChange,
		TypeSubscriptionError,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsRequest reports whether typ is a client -> server request type.
func IsRequest(typ string) bool {
	switch typ {
	case TypeHello, TypeDocGet, TypeDocSet, TypeDocAdd, TypeDocDelete, TypeSubscribe, TypeUnsubscribe:
		return true
	}
	return false
}
