package schema

// Failure is a single entry of an error response.
type Failure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FailureBody is the error response envelope.
type FailureBody struct {
	Errors []Failure `json:"errors"`
}

// NewFailure builds an envelope carrying one failure.
func NewFailure(code int, msg string) FailureBody {
	return FailureBody{Errors: []Failure{{Code: code, Message: msg}}}
}

// MachinePage is one page of a paginated machine listing.
type MachinePage struct {
	Count    int            `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []*CoreMachine `json:"results"`
}
