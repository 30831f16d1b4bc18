package internal

// Request types sent by clients over the presence socket.
const (
	RequestUpdate = "update"
	RequestOn     = "on"
	RequestOff    = "off"
)

// Response types sent by the server.
const (
	ResponseOK    = "ok"
	ResponseError = "error"
	ResponseCount = "count"
	ResponseDone  = "done"
)

// Error codes carried by error responses.
const (
	CodeBadRequest          = "bad_request"
	CodeInvalidInput        = "invalid_input"
	CodeUnknownConnection   = "unknown_connection"
	CodeUnknownSubscription = "unknown_subscription"
	CodeRateLimited         = "rate_limited"
	CodeUnavailable         = "unavailable"
)

// Request is one client frame. ID is chosen by the client and echoed on every
// response to the request; for "off" the Sub field names the ID of the "on"
// request to cancel.
type Request struct {
	ID     uint64 `json:"id"`
	Type   string `json:"type"`
	Tag    string `json:"tag,omitempty"`
	Status string `json:"status,omitempty"`
	Sub    uint64 `json:"sub,omitempty"`
}

// Response is one server frame.
type Response struct {
	ID    uint64 `json:"id"`
	Type  string `json:"type"`
	Tag   string `json:"tag,omitempty"`
	Count *int   `json:"count,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func okResponse(id uint64) Response {
	return Response{ID: id, Type: ResponseOK}
}

func errorResponse(id uint64, code, message string) Response {
	return Response{ID: id, Type: ResponseError, Code: code, Error: message}
}

func countResponse(id uint64, tag string, count int) Response {
	return Response{ID: id, Type: ResponseCount, Tag: tag, Count: &count}
}

func doneResponse(id uint64) Response {
	return Response{ID: id, Type: ResponseDone}
}
