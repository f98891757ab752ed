package whisper

// Window is one overlapping slice of the input fed to the model.
type Window struct {
	Index       int
	StartSample int
	EndSample   int
	StrideLeft  float64
	StrideRight float64
}

func (w Window) Start(sampleRate int) float64 { return float64(w.StartSample) / float64(sampleRate) }
func (w Window) End(sampleRate int) float64   { return float64(w.EndSample) / float64(sampleRate) }

// Windows splits total samples into windows of chunkLength seconds that overlap
// their neighbours by stride seconds on each side. The first window has no left
// stride and the last has no right stride.
func Windows(total, sampleRate int, chunkLength, stride float64) []Window {
	if total <= 0 || sampleRate <= 0 || chunkLength <= 0 {
		return nil
	}
	if stride < 0 {
		stride = 0
	}
	chunkSamples := int(chunkLength * float64(sampleRate))
	stepSamples := int((chunkLength - 2*stride) * float64(sampleRate))
	if stepSamples <= 0 {
		stepSamples = chunkSamples
		stride = 0
	}

	var out []Window
	for offset := 0; ; offset += stepSamples {
		end := offset + chunkSamples
		if end > total {
			end = total
		}
		w := Window{Index: len(out), StartSample: offset, EndSample: end}
		if offset > 0 {
			w.StrideLeft = stride
		}
		if end < total {
			w.StrideRight = stride
		}
		out = append(out, w)
		if end >= total {
			return out
		}
	}
}
