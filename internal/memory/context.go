package memory

import (
	"fmt"
	"strings"
	"time"
)

// ContextLines renders stored turns and outcomes as short prompt lines, oldest
// first. Assistant turns are skipped; the model only needs what the user said.
func ContextLines(turns []TurnRecord, outcomes []SessionOutcome) []string {
	out := make([]string, 0, len(turns)+len(outcomes))
	for _, o := range outcomes {
		line := fmt.Sprintf("A previous session lasted %s and ended by %s", o.Duration().Round(time.Minute), describeReason(o.EndReason))
		if o.IdleWarnings > 0 {
			line += fmt.Sprintf(" after %d idle check-ins", o.IdleWarnings)
		}
		out = append(out, line+".")
	}
	for _, t := range turns {
		if t.Role != "user" {
			continue
		}
		if c := strings.TrimSpace(t.Content); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func describeReason(reason string) string {
	switch reason {
	case "idle_timeout":
		return "inactivity"
	case "max_duration":
		return "reaching the time limit"
	case "client":
		return "the user's request"
	case "disconnected":
		return "a dropped connection"
	default:
		return strings.ReplaceAll(reason, "_", " ")
	}
}
