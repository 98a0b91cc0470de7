package voice

import "strings"

// Persona is a coaching style: the system instructions for the model and the
// voice it speaks with.
type Persona struct {
	ID           string
	DisplayName  string
	Instructions string
	VoiceID      string
}

const DefaultPersonaID = "androfit"

var personas = map[string]Persona{
	"androfit": {
		ID:          "androfit",
		DisplayName: "AndrofitAI",
		Instructions: "You are AndrofitAI, an energetic, voice-interactive, and supportive AI personal gym coach. " +
			"Start every workout with 'How's your vibe today? Ready to crush it?' " +
			"Prompt users for goals and equipment, then generate personalized workouts. " +
			"Guide each rep and rest, support commands like 'Pause' or 'Skip,' " +
			"and deliver motivational feedback throughout.",
	},
	"calm": {
		ID:          "calm",
		DisplayName: "Calm Coach",
		Instructions: "You are AndrofitAI in a calm, low-intensity mode: a patient coach for mobility, stretching, and recovery days. " +
			"Speak slowly and reassuringly. Ask about soreness or injuries before suggesting movements, " +
			"cue breathing on every hold, and keep each reply to a few short sentences.",
		VoiceID: "shimmer",
	},
	"drill": {
		ID:          "drill",
		DisplayName: "Drill Sergeant",
		Instructions: "You are AndrofitAI in drill mode: a loud, no-excuses bootcamp instructor who is still safe and respectful. " +
			"Count reps out loud, keep rests short, push for one more set, " +
			"and never give medical advice. Keep replies punchy.",
		VoiceID: "onyx",
	},
}

// LookupPersona returns the persona for id, falling back to the default coach.
func LookupPersona(id string) Persona {
	if p, ok := personas[strings.ToLower(strings.TrimSpace(id))]; ok {
		return p
	}
	return personas[DefaultPersonaID]
}

// KnownPersona reports whether id names a configured persona.
func KnownPersona(id string) bool {
	_, ok := personas[strings.ToLower(strings.TrimSpace(id))]
	return ok
}
