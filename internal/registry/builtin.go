package registry

// builtin is the shipped model table. Fallback chains point at progressively
// smaller models and terminate at qwen-0.5b.
var builtin = []Descriptor{
	{
		ID:             "qwen-0.5b",
		Name:           "Qwen2.5 0.5B Instruct",
		SourceID:       "Qwen/Qwen2.5-0.5B-Instruct",
		Description:    "Small general-purpose instruct model; runs on CPU.",
		VRAMEstimateMB: 1000,
		RAMEstimateMB:  2000,
		MaxLength:      2048,
		ChatFormat:     "chatml",
	},
	{
		ID:             "qwen2.5-1.5b",
		Name:           "Qwen2.5 1.5B Instruct",
		SourceID:       "Qwen/Qwen2.5-1.5B-Instruct",
		VRAMEstimateMB: 3000,
		RAMEstimateMB:  4000,
		MaxLength:      4096,
		FallbackID:     "qwen-0.5b",
		ChatFormat:     "chatml",
	},
	{
		ID:             "qwen2.5-3b",
		Name:           "Qwen2.5 3B Instruct",
		SourceID:       "Qwen/Qwen2.5-3B-Instruct",
		VRAMEstimateMB: 6000,
		RAMEstimateMB:  8000,
		MaxLength:      4096,
		FallbackID:     "qwen2.5-1.5b",
		ChatFormat:     "chatml",
	},
	{
		ID:             "phi-2",
		Name:           "Phi-2",
		SourceID:       "microsoft/phi-2",
		Description:    "2.7B model tuned for reasoning and code.",
		VRAMEstimateMB: 5600,
		RAMEstimateMB:  8000,
		MaxLength:      2048,
		FallbackID:     "qwen-0.5b",
	},
	{
		ID:             "tinyllama-1.1b",
		Name:           "TinyLlama 1.1B Chat",
		SourceID:       "TinyLlama/TinyLlama-1.1B-Chat-v1.0",
		VRAMEstimateMB: 2200,
		RAMEstimateMB:  4000,
		MaxLength:      2048,
		FallbackID:     "qwen-0.5b",
	},
	{
		ID:             "stablelm-zephyr-3b",
		Name:           "StableLM Zephyr 3B",
		SourceID:       "stabilityai/stablelm-zephyr-3b",
		VRAMEstimateMB: 6000,
		RAMEstimateMB:  8000,
		MaxLength:      4096,
		FallbackID:     "phi-2",
	},
	{
		ID:             "llama-3.2-1b",
		Name:           "Llama 3.2 1B Instruct",
		SourceID:       "meta-llama/Llama-3.2-1B-Instruct",
		VRAMEstimateMB: 2500,
		RAMEstimateMB:  4000,
		MaxLength:      4096,
		FallbackID:     "qwen-0.5b",
		ChatFormat:     "llama3",
	},
	{
		ID:               "qwen2.5-vl-3b",
		Name:             "Qwen2.5 VL 3B Instruct",
		SourceID:         "Qwen/Qwen2.5-VL-3B-Instruct",
		Description:      "Vision-language model; text prompts only.",
		VRAMEstimateMB:   7000,
		RAMEstimateMB:    12000,
		MaxLength:        4096,
		FallbackID:       "qwen2.5-1.5b",
		ArchitectureHint: "vision",
		ChatFormat:       "chatml",
	},
}

// Builtin returns a copy of the shipped model table.
func Builtin() []Descriptor {
	out := make([]Descriptor, len(builtin))
	copy(out, builtin)
	return out
}
