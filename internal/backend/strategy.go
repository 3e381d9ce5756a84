package backend

import (
	"strings"
	"unicode"
)

// Strategy decides which model classes to try, in order, for an identifier.
type Strategy interface {
	Name() string
	Classes() []Class
	UseProcessor() bool
}

type strategy struct {
	name      string
	classes   []Class
	processor bool
}

func (s strategy) Name() string       { return s.name }
func (s strategy) Classes() []Class   { return append([]Class(nil), s.classes...) }
func (s strategy) UseProcessor() bool { return s.processor }

var (
	textStrategy    = strategy{name: "text", classes: []Class{ClassCausalLM, ClassGeneric, ClassVisionSeq2Seq}}
	visionStrategy  = strategy{name: "vision", classes: []Class{ClassVisionLanguage, ClassGeneric, ClassVisionSeq2Seq}, processor: true}
	encoderStrategy = strategy{name: "encoder", classes: []Class{ClassGeneric, ClassCausalLM}}
)

// ArchitectureFor picks a strategy from an explicit hint (text, vision,
// encoder) or, failing that, from name matching on the identifier.
func ArchitectureFor(identifier, hint string) Strategy {
	switch strings.ToLower(hint) {
	case "vision", "vl", "multimodal":
		return visionStrategy
	case "encoder", "bert":
		return encoderStrategy
	case "text", "causal":
		return textStrategy
	}
	for _, w := range words(identifier) {
		switch {
		case w == "vl", strings.HasPrefix(w, "vl"), strings.HasSuffix(w, "vl"), strings.Contains(w, "vision"), strings.HasPrefix(w, "llava"):
			return visionStrategy
		case strings.Contains(w, "bert"):
			return encoderStrategy
		}
	}
	return textStrategy
}

// words splits an identifier into lower-case alphanumeric runs, dropping the
// owner segment and file extension.
func words(identifier string) []string {
	id := strings.ToLower(identifier)
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		id = id[i+1:]
	}
	id = strings.TrimSuffix(id, ".gguf")
	return strings.FieldsFunc(id, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
