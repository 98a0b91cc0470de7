package voice

import (
	"time"

	"github.com/androfit/coach/internal/audio"
)

type vadTransition int

const (
	vadNone vadTransition = iota
	vadSpeechStart
	vadSpeechEnd
)

// energyVAD is a level-triggered voice activity detector. Speech starts on the
// first frame above threshold and ends after hangover of continuous quiet.
type energyVAD struct {
	threshold float64
	hangover  time.Duration

	speaking bool
	quiet    time.Duration
}

func newEnergyVAD(threshold float64, hangover time.Duration) *energyVAD {
	if threshold <= 0 {
		threshold = 0.02
	}
	if hangover <= 0 {
		hangover = 600 * time.Millisecond
	}
	return &energyVAD{threshold: threshold, hangover: hangover}
}

func (v *energyVAD) Push(pcm []byte, sampleRate int) vadTransition {
	if len(pcm) < 2 {
		return vadNone
	}
	if audio.PCM16RMS(pcm) >= v.threshold {
		v.quiet = 0
		if !v.speaking {
			v.speaking = true
			return vadSpeechStart
		}
		return vadNone
	}
	if !v.speaking {
		return vadNone
	}
	v.quiet += audio.PCM16Duration(len(pcm), sampleRate)
	if v.quiet >= v.hangover {
		v.speaking = false
		v.quiet = 0
		return vadSpeechEnd
	}
	return vadNone
}

// Reset forgets any in-progress utterance.
func (v *energyVAD) Reset() {
	v.speaking = false
	v.quiet = 0
}

func (v *energyVAD) Speaking() bool { return v.speaking }
