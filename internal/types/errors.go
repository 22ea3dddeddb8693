package types

// ErrorBody is the payload of every failed control API request. Code has
// the form AREA_STATUS, e.g. DEVICE_404.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Kind returns details.kind of a decoded body (not_found, duplicate,
// out_of_range, validation, ...), or "" when there is none.
func (b ErrorBody) Kind() string {
	m, ok := b.Details.(map[string]any)
	if !ok {
		return ""
	}
	kind, _ := m["kind"].(string)
	return kind
}
