package whisper

import (
	"fmt"
	"strings"
)

// DistilFamily marks identifiers of the distilled model family.
const DistilFamily = "distil-whisper"

// Model is one supported identifier and where its ggml weights live.
type Model struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	URL      string `json:"url"`
	English  bool   `json:"englishOnly"`
}

const ggmlBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

var catalog = []Model{
	{ID: "distil-whisper/distil-small.en", FileName: "ggml-distil-small.en.bin", URL: "https://huggingface.co/distil-whisper/distil-small.en/resolve/main/ggml-distil-small.en.bin", English: true},
	{ID: "distil-whisper/distil-medium.en", FileName: "ggml-distil-medium.en.bin", URL: "https://huggingface.co/distil-whisper/distil-medium.en/resolve/main/ggml-medium-32-2.en.bin", English: true},
	{ID: "distil-whisper/distil-large-v3", FileName: "ggml-distil-large-v3.bin", URL: "https://huggingface.co/distil-whisper/distil-large-v3-ggml/resolve/main/ggml-distil-large-v3.bin"},
	{ID: "Xenova/whisper-tiny.en", FileName: "ggml-tiny.en.bin", URL: ggmlBase + "ggml-tiny.en.bin", English: true},
	{ID: "Xenova/whisper-tiny", FileName: "ggml-tiny.bin", URL: ggmlBase + "ggml-tiny.bin"},
	{ID: "Xenova/whisper-base.en", FileName: "ggml-base.en.bin", URL: ggmlBase + "ggml-base.en.bin", English: true},
	{ID: "Xenova/whisper-base", FileName: "ggml-base.bin", URL: ggmlBase + "ggml-base.bin"},
	{ID: "Xenova/whisper-small.en", FileName: "ggml-small.en.bin", URL: ggmlBase + "ggml-small.en.bin", English: true},
	{ID: "Xenova/whisper-small", FileName: "ggml-small.bin", URL: ggmlBase + "ggml-small.bin"},
	{ID: "Xenova/whisper-medium", FileName: "ggml-medium.bin", URL: ggmlBase + "ggml-medium.bin"},
	{ID: "Xenova/whisper-medium.en", FileName: "ggml-medium.en.bin", URL: ggmlBase + "ggml-medium.en.bin", English: true},
	{ID: "Xenova/whisper-large", FileName: "ggml-large-v1.bin", URL: ggmlBase + "ggml-large-v1.bin"},
}

// Models returns a copy of the supported model list in display order.
func Models() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

func Lookup(id string) (Model, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

func IsSupported(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// IsDistilled reports whether id belongs to the distilled model family.
func IsDistilled(id string) bool {
	return strings.Contains(id, DistilFamily)
}

// withMirror rewrites the model URL onto mirror, keeping the file name.
func (m Model) withMirror(mirror string) Model {
	if mirror == "" {
		return m
	}
	m.URL = fmt.Sprintf("%s/%s", strings.TrimRight(mirror, "/"), m.FileName)
	return m
}
