package composer

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation turn fed into Build.
type Message struct {
	Role    Role
	Content string
}

// Part is one piece of turn content. Exactly one of Text, Data or FileURI is
// expected to be set.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
	FileURI  string
}

// IsEmpty reports whether the part carries no payload.
func (p Part) IsEmpty() bool {
	return p.Text == "" && len(p.Data) == 0 && p.FileURI == ""
}

// Turn is a role-tagged content block.
type Turn struct {
	Role  Role
	Parts []Part
}

// Modality is a requested response modality.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityImage Modality = "IMAGE"
)

// Params are optional caller overrides. Nil fields fall back to Defaults.
type Params struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"top_p,omitempty"`
	TopK            *float32 `json:"top_k,omitempty"`
	MaxOutputTokens *int32   `json:"max_output_tokens,omitempty"`
}

// Request is a backend-neutral generation request.
type Request struct {
	Model             string
	System            string
	Turns             []Turn
	Temperature       float32
	TopP              float32
	TopK              float32
	MaxOutputTokens   int32
	Search            bool
	IncludeThoughts   bool
	Modalities        []Modality
	ResponseMIMEType  string
	SafetyLowAndAbove bool
}

// WantsImage reports whether the request asks for image output.
func (r Request) WantsImage() bool {
	for _, m := range r.Modalities {
		if m == ModalityImage {
			return true
		}
	}
	return false
}
