package generation

import (
	"strings"

	"locallab/pkg/types"
)

// DefaultSystemPrompt wraps plain prompts when neither the caller nor the
// model descriptor supplies an instruction.
const DefaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely."

// Prompt template names.
const (
	FormatTagged = "tagged"
	FormatChatML = "chatml"
	FormatLlama3 = "llama3"
)

// Input is either a plain prompt (with an optional system instruction) or a
// role-tagged message list. Messages win when both are set.
type Input struct {
	Prompt   string
	System   string
	Messages []types.Message
}

// Text returns the user-visible text of the input, used for cache keys and
// logging.
func (in Input) Text() string {
	if len(in.Messages) == 0 {
		return in.System + "\x00" + in.Prompt
	}
	var b strings.Builder
	b.WriteString(in.System)
	b.WriteByte(0)
	for _, m := range in.Messages {
		b.WriteString(m.Role)
		b.WriteByte(0)
		b.WriteString(m.Content)
		b.WriteByte(0)
	}
	return b.String()
}

// Turns normalizes in into a message list that starts with a system turn.
func (in Input) Turns(defaultSystem string) ([]types.Message, error) {
	if defaultSystem == "" {
		defaultSystem = DefaultSystemPrompt
	}
	if len(in.Messages) == 0 {
		if strings.TrimSpace(in.Prompt) == "" {
			return nil, invalid("prompt", "must not be empty")
		}
		sys := in.System
		if sys == "" {
			sys = defaultSystem
		}
		return []types.Message{{Role: "system", Content: sys}, {Role: "user", Content: in.Prompt}}, nil
	}
	out := make([]types.Message, 0, len(in.Messages)+1)
	hasUser := false
	for i, m := range in.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system":
			if i != 0 {
				return nil, invalid("messages", "system message must come first")
			}
		case "user":
			hasUser = true
		case "assistant":
		default:
			return nil, invalid("messages", "unknown role %q", m.Role)
		}
		out = append(out, types.Message{Role: role, Content: m.Content})
	}
	if !hasUser {
		return nil, invalid("messages", "at least one user message is required")
	}
	if out[0].Role != "system" {
		sys := in.System
		if sys == "" {
			sys = defaultSystem
		}
		out = append([]types.Message{{Role: "system", Content: sys}}, out...)
	}
	return out, nil
}

// BuildPrompt renders in with the named template. Unknown formats use the
// tagged template. The result always ends with an open assistant turn.
func BuildPrompt(in Input, format, defaultSystem string) (string, error) {
	turns, err := in.Turns(defaultSystem)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	switch format {
	case FormatChatML:
		for _, t := range turns {
			b.WriteString("<|im_start|>" + t.Role + "\n" + t.Content + "<|im_end|>\n")
		}
		b.WriteString("<|im_start|>assistant\n")
	case FormatLlama3:
		b.WriteString("<|begin_of_text|>")
		for _, t := range turns {
			b.WriteString("<|start_header_id|>" + t.Role + "<|end_header_id|>\n\n" + t.Content + "<|eot_id|>")
		}
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	default:
		for _, t := range turns {
			b.WriteString("<|" + t.Role + "|>" + t.Content + "</|" + t.Role + "|>\n")
		}
		b.WriteString("<|assistant|>")
	}
	return b.String(), nil
}
