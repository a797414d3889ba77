package llm

// Message represents a chat message in a model request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta represents an incremental update during streaming. A stream
// that fails mid-flight delivers the failure as a final Delta with Err
// set, then closes.
type Delta struct {
	Content string `json:"content,omitempty"`
	Err     error  `json:"-"`
}

// Response represents a complete, non-streamed response.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Media is a decoded binary payload (e.g. an image) attached to a
// describe request.
type Media struct {
	MediaType string
	Data      []byte
}
