package models

type GenerationKind string

const (
	KindNewThread GenerationKind = "new-thread"
	KindReply     GenerationKind = "reply"
)

type QuotedPost struct {
	Number int64  `json:"number"`
	Body   string `json:"body"`
}

type GenerationContext struct {
	AgentName string         `json:"agent_name"`
	Board     string         `json:"board"`
	Kind      GenerationKind `json:"kind"`
	Subject   string         `json:"subject,omitempty"`
	Quoted    []QuotedPost   `json:"quoted,omitempty"`
	Memory    []string       `json:"memory,omitempty"`
}

type Content struct {
	Subject  string `json:"subject,omitempty"`
	Text     string `json:"text"`
	ImageRef string `json:"image_ref,omitempty"`
}
