package contextkeys

// contextKey is an unexported type to prevent collisions with context keys defined in
// other packages.
type contextKey string

// String makes contextKey satisfy the Stringer interface to assist with debugging.
func (c contextKey) String() string {
	return "school-portal context key " + string(c)
}

// RequestIDKey is the key for the inbound HTTP/websocket request ID in context.Context
const RequestIDKey = contextKey("requestID")

// SubscriptionIDKey is the key for a live subscription handle ID
const SubscriptionIDKey = contextKey("subscriptionID")

// CollectionKey is the key for the collection an operation works on
const CollectionKey = contextKey("collection")

// QueryIDKey is the key for the query identity an operation works on
const QueryIDKey = contextKey("queryID")

// ComponentKey is the key for the component emitting a log line
const ComponentKey = contextKey("component")

// OperationKey is the key for the operation being performed
const OperationKey = contextKey("operation")
