package natsbus

// SendRequest asks the coordinator to deliver Text to Target's inbox. Target
// is an agent name ("manager", "developer-1") or "all".
type SendRequest struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

// Reply acknowledges a control request.
type Reply struct {
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	To    []string `json:"to,omitempty"`
}
