package generation

import (
	"errors"
	"strings"
	"testing"

	"locallab/pkg/types"
)

func TestBuildPromptTaggedDefaultSystem(t *testing.T) {
	got, err := BuildPrompt(Input{Prompt: "Tell me a story"}, "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "<|system|>" + DefaultSystemPrompt + "</|system|>\n<|user|>Tell me a story</|user|>\n<|assistant|>"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
	got, _ = BuildPrompt(Input{Prompt: "hi", System: "Be brief."}, FormatTagged, "ignored")
	if !strings.HasPrefix(got, "<|system|>Be brief.</|system|>") {
		t.Fatalf("caller system prompt not used: %q", got)
	}
}

func TestBuildPromptChatMLMessages(t *testing.T) {
	in := Input{Messages: []types.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi!"},
		{Role: "User", Content: "how are you?"},
	}}
	got, err := BuildPrompt(in, FormatChatML, "Model default.")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "<|im_start|>system\nModel default.<|im_end|>\n" +
		"<|im_start|>user\nhello<|im_end|>\n" +
		"<|im_start|>assistant\nhi!<|im_end|>\n" +
		"<|im_start|>user\nhow are you?<|im_end|>\n" +
		"<|im_start|>assistant\n"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestBuildPromptLlama3(t *testing.T) {
	got, err := BuildPrompt(Input{Messages: []types.Message{{Role: "system", Content: "S"}, {Role: "user", Content: "U"}}}, FormatLlama3, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(got, "<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\nS<|eot_id|>") {
		t.Fatalf("bad prefix: %q", got)
	}
	if !strings.HasSuffix(got, "<|start_header_id|>assistant<|end_header_id|>\n\n") {
		t.Fatalf("bad suffix: %q", got)
	}
}

func TestBuildPromptRejectsBadInput(t *testing.T) {
	bad := []Input{
		{},
		{Prompt: "   "},
		{Messages: []types.Message{{Role: "robot", Content: "x"}}},
		{Messages: []types.Message{{Role: "user", Content: "x"}, {Role: "system", Content: "late"}}},
		{Messages: []types.Message{{Role: "system", Content: "only"}}},
	}
	for i, in := range bad {
		_, err := BuildPrompt(in, FormatTagged, "")
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: want ValidationError got %v", i, err)
		}
	}
}

func TestBuildPromptIsPure(t *testing.T) {
	in := Input{Prompt: "same"}
	a, _ := BuildPrompt(in, FormatChatML, "")
	b, _ := BuildPrompt(in, FormatChatML, "")
	if a != b {
		t.Fatalf("prompt construction not deterministic")
	}
}
