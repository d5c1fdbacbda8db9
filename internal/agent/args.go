package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// Swipe duration bounds, in seconds. The agent moves one step per 5ms.
const (
	minSwipeSeconds     = 0.05
	maxSwipeSeconds     = 2.0
	defaultSwipeMillis  = 200
	swipeStepsPerSecond = 200
)

func invalidArgs(format string, a ...any) error {
	return fmt.Errorf("%w: %w: %s", session.ErrRemote, ErrInvalidArgs, fmt.Sprintf(format, a...))
}

// intArg reads a whole-number argument. JSON numbers arrive as float64.
// Fractions and values outside the int32 range are rejected.
func intArg(args session.Args, name string) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, invalidArgs("%s is required", name)
	}
	switch n := v.(type) {
	case int:
		return checkRange(name, int64(n))
	case int64:
		return checkRange(name, n)
	case float64:
		return wholeNumber(name, n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return checkRange(name, i)
		}
		f, err := n.Float64()
		if err != nil {
			return 0, invalidArgs("%s: %v", name, err)
		}
		return wholeNumber(name, f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, invalidArgs("%s: %q is not an integer", name, n)
		}
		return checkRange(name, i)
	default:
		return 0, invalidArgs("%s has type %T", name, v)
	}
}

func wholeNumber(name string, f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidArgs("%s is not a number", name)
	}
	if f != math.Trunc(f) {
		return 0, invalidArgs("%s: %v is not a whole number", name, f)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, invalidArgs("%s: %v is out of range", name, f)
	}
	return int(f), nil
}

func checkRange(name string, i int64) (int, error) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0, invalidArgs("%s: %d is out of range", name, i)
	}
	return int(i), nil
}

// intArgOr is intArg with a fallback for a missing argument.
func intArgOr(args session.Args, name string, fallback int) (int, error) {
	if v, ok := args[name]; !ok || v == nil {
		return fallback, nil
	}
	return intArg(args, name)
}

// Screenshot JPEG quality bounds; out-of-range requests are clamped.
const (
	minScreenshotQuality = 30
	maxScreenshotQuality = 95
)

// screenshotQuality reads the optional quality argument.
// ok is false when the caller left it to the agent.
func screenshotQuality(args session.Args) (quality int, ok bool, err error) {
	if v, present := args["quality"]; !present || v == nil {
		return 0, false, nil
	}
	q, err := intArg(args, "quality")
	if err != nil {
		return 0, false, err
	}
	return min(max(q, minScreenshotQuality), maxScreenshotQuality), true, nil
}

func stringArg(args session.Args, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", invalidArgs("%s is required", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidArgs("%s must be a string", name)
	}
	return s, nil
}

type swipeParams struct {
	x1, y1, x2, y2 int
	seconds        float64
}

// steps converts the swipe duration into agent steps.
func (p swipeParams) steps() int {
	return int(math.Round(p.seconds * swipeStepsPerSecond))
}

// parseSwipe reads x, y, x2, y2 and duration (milliseconds). A missing end
// point defaults to the start point and the duration is clamped to
// [50ms, 2s].
func parseSwipe(args session.Args) (swipeParams, error) {
	var p swipeParams
	var err error
	if p.x1, err = intArg(args, "x"); err != nil {
		return p, err
	}
	if p.y1, err = intArg(args, "y"); err != nil {
		return p, err
	}
	if p.x2, err = intArgOr(args, "x2", p.x1); err != nil {
		return p, err
	}
	if p.y2, err = intArgOr(args, "y2", p.y1); err != nil {
		return p, err
	}
	ms, err := intArgOr(args, "duration", defaultSwipeMillis)
	if err != nil {
		return p, err
	}
	p.seconds = max(minSwipeSeconds, min(maxSwipeSeconds, float64(ms)/1000))
	return p, nil
}

// inputTextCommand builds the shell command typing text on the device.
// Spaces become %s as `input text` expects, and the argument is single-quoted.
func inputTextCommand(text string) string {
	escaped := strings.ReplaceAll(text, "%", `\%`)
	escaped = strings.ReplaceAll(escaped, " ", "%s")
	escaped = strings.ReplaceAll(escaped, "'", `'\''`)
	return "input text '" + escaped + "'"
}
