package genai

import "context"

// Role identifies who authored a post in a conversation transcript.
type Role string

const (
	RoleSelf  Role = "self"  // the bot's own post
	RoleOther Role = "other" // anyone else
)

// Post is one turn of conversation context handed to a Responder.
type Post struct {
	AuthorDID string
	Role      Role
	Text      string
}

// Media is a generated artifact ready to attach to a post.
type Media struct {
	Data     []byte
	MimeType string
}

// Responder produces conversational text.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing.
type Responder interface {
	// Generate produces a reply to latest given the preceding thread,
	// oldest first.
	Generate(ctx context.Context, thread []Post, latest Post) (string, error)

	// ComposePost produces a standalone post from an instruction.
	ComposePost(ctx context.Context, instruction string) (string, error)
}

// MediaMaker produces images and videos from text prompts.
type MediaMaker interface {
	GenerateImage(ctx context.Context, prompt string) (*Media, error)
	GenerateVideo(ctx context.Context, prompt string) (*Media, error)
}

// Config holds common configuration for generative backends.
type Config struct {
	BaseURL    string
	APIKey     string
	TextModel  string
	ImageModel string
	VideoModel string
	// SystemInstruction steers the text model's persona.
	SystemInstruction string
}
