package v1

import "time"

// ---- Payloads ----

// HelloPayload identifies the connecting user.
// Token is required when the gateway has a token key configured.
type HelloPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// HelloAckPayload carries the gateway-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Document is the wire form of a stored document.
// Path is "collection/.../doc_id".
type Document struct {
	Path       string         `json:"path"`
	Fields     map[string]any `json:"fields,omitempty"`
	Version    int64          `json:"version"`
	CreateTime time.Time      `json:"create_time,omitempty"`
	UpdateTime time.Time      `json:"update_time,omitempty"`
}

// DocGetPayload requests one document.
type DocGetPayload struct {
	Path string `json:"path"`
}

// DocSetPayload writes one document.
// IfVersion, when present, makes the write conditional (0 = must not exist).
type DocSetPayload struct {
	Path      string         `json:"path"`
	Fields    map[string]any `json:"fields"`
	Merge     bool           `json:"merge,omitempty"`
	IfVersion *int64         `json:"if_version,omitempty"`
}

// DocAddPayload creates a document with a server-assigned id.
type DocAddPayload struct {
	Collection string         `json:"collection"`
	Fields     map[string]any `json:"fields"`
}

// DocDeletePayload removes one document.
type DocDeletePayload struct {
	Path      string `json:"path"`
	IfVersion *int64 `json:"if_version,omitempty"`
}

// DocPayload answers get/set/add.
type DocPayload struct {
	Document Document `json:"document"`
}

// SubscribePayload opens a subscription.
type SubscribePayload struct {
	Collection string `json:"collection"`
}

// SubscribedPayload names an opened subscription.
type SubscribedPayload struct {
	SubID      string `json:"sub_id"`
	Collection string `json:"collection"`
}

// UnsubscribePayload closes a subscription.
type UnsubscribePayload struct {
	SubID string `json:"sub_id"`
}

// ChangePayload is one change notification. Kind is "added", "modified" or "removed".
type ChangePayload struct {
	SubID    string   `json:"sub_id"`
	Kind     string   `json:"kind"`
	Document Document `json:"document"`
}

// SubscriptionErrorPayload terminates a subscription.
type SubscriptionErrorPayload struct {
	SubID   string `json:"sub_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload answers a failed request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
