package model

// Gateway actions sent by websocket clients
const (
	GatewayActionSubscribe   = "subscribe"
	GatewayActionUnsubscribe = "unsubscribe"
)

// Gateway message types sent by the server
const (
	MessageTypeSubscriptionConfirmed = "subscription_confirmed"
	MessageTypeSnapshot              = "snapshot"
	MessageTypeSubscriptionError     = "subscription_error"
	MessageTypeUnsubscribed          = "unsubscription_confirmed"
	MessageTypeError                 = "error"
)

// GatewayRequest is a client message on the snapshot websocket.
type GatewayRequest struct {
	Action         string   `json:"action"`
	SubscriptionID string   `json:"subscriptionId"`
	Collection     string   `json:"collection,omitempty"`
	Filters        []Filter `json:"filters,omitempty"`
	Limit          *int     `json:"limit,omitempty"`
}

// GatewayMessage is a server message on the snapshot websocket.
type GatewayMessage struct {
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	QueryID        QueryID   `json:"queryId,omitempty"`
	Snapshot       *Snapshot `json:"snapshot,omitempty"`
	Error          string    `json:"error,omitempty"`
	Code           string    `json:"code,omitempty"`
}
