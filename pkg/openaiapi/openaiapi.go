// Package openaiapi holds the OpenAI-compatible wire types the gateway
// needs to read token counts out of sidecar responses. Request/response
// bodies are otherwise forwarded byte-for-byte; gatehouse never re-encodes
// them, so only the fields the usage-capture path reads are modeled.
package openaiapi

// ChatCompletionRequest is decoded only far enough to read Model and Stream;
// the gateway re-serializes the original body bytes to the sidecar rather
// than re-marshaling this struct.
type ChatCompletionRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

// ChatCompletionResponse is the non-streaming OpenAI-compatible response
// shape, decoded by the gateway's usage-tee to extract Usage without
// altering the bytes sent to the client.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// ChatCompletionChunk is one SSE data frame of a streaming response. Usage
// is only present (per the OpenAI contract) on the final chunk when the
// client requested stream_options.include_usage.
type ChatCompletionChunk struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Model  string `json:"model"`
	Usage  *Usage `json:"usage,omitempty"`
}

// Usage reports token counts. A response with Usage entirely zero is a
// legitimate upstream omission, never estimated or fabricated by gatehouse.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ModelsResponse is the OpenAI-compatible GET /v1/models response shape.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelData `json:"data"`
}

type ModelData struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ErrorResponse is the OpenAI-compatible error envelope returned by
// gateway-rejected requests (auth, quota, rate limit) so clients written
// against the OpenAI SDK parse errors the way they expect.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
