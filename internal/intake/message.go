package intake

import "time"

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerBot  Speaker = "bot"
	SpeakerUser Speaker = "user"
)

// Message is one transcript entry.
//
// Options is only set on menu-style bot messages; when present the next
// expected input is a selection from Options rather than free text.
type Message struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsPrompt  bool      `json:"is_prompt"`
	Options   []string  `json:"options,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
}

// ExpectsSelection reports whether the message offers options.
func (m Message) ExpectsSelection() bool {
	return len(m.Options) > 0
}
