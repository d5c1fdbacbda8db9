package agent

import "strings"

// browserKeys maps key names sent by browsers and remote-control clients to
// the key names the agent's pressKey understands.
var browserKeys = map[string]string{
	"Enter":      "enter",
	"Backspace":  "del",
	"Delete":     "forward_del",
	"DEL":        "del",
	"Home":       "home",
	"Back":       "back",
	"Tab":        "tab",
	"Escape":     "back",
	"ArrowUp":    "dpad_up",
	"ArrowDown":  "dpad_down",
	"ArrowLeft":  "dpad_left",
	"ArrowRight": "dpad_right",
	"Menu":       "menu",
	"Power":      "power",
	"WAKEUP":     "wakeup",
}

// AndroidKey returns the agent key name for a browser key name.
// Unmapped keys are passed through lower-cased.
func AndroidKey(key string) string {
	if k, ok := browserKeys[key]; ok {
		return k
	}
	return strings.ToLower(key)
}
