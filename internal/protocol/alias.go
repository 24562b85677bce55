package protocol

import "strings"

// canonicalVerbs is the closed verb set the protocol recognizes,
// per spec §4.5.
var canonicalVerbs = map[string]bool{
	"launch":    true,
	"terminate": true,
	"submit":    true,
	"cancel":    true,
	"status":    true,
	"heartbeat": true,
	"complete":  true,
	"subscribe": true,
	"help":      true,
}

// aliases maps a closed set of natural-language phrases to their
// canonical verb. Each entry is listed explicitly (no fuzzy matching)
// so two competing aliases for the same input can be detected as
// ambiguous rather than silently picking one.
var aliases = map[string]string{
	"start a worker":  "launch",
	"start worker":    "launch",
	"add a task":      "submit",
	"queue a task":    "submit",
	"stop":            "terminate",
	"kill":            "terminate",
	"show status":     "status",
	"list":            "status",
	"abort":           "cancel",
}

// resolveVerb maps raw to its canonical verb. raw is matched first as a
// literal canonical verb, then against the alias table using the
// remaining tokens rejoined with single spaces (so multi-word aliases
// like "start a worker" match against the full command line prefix).
// ambiguous reports whether more than one alias matched distinct verbs.
func resolveVerb(tokens []string) (verb string, consumed int, ambiguous []string, err error) {
	if len(tokens) == 0 {
		return "", 0, nil, &syntaxError{offset: 0, message: "empty command"}
	}

	first := strings.ToLower(tokens[0])
	if canonicalVerbs[first] {
		return first, 1, nil, nil
	}

	matched := make(map[string]int) // verb -> phrase token count
	for phrase, canon := range aliases {
		words := strings.Fields(phrase)
		if matchesPrefix(tokens, words) {
			matched[canon] = len(words)
		}
	}

	if len(matched) == 0 {
		return "", 0, nil, &syntaxError{offset: 0, message: "unrecognized verb " + tokens[0]}
	}
	if len(matched) > 1 {
		candidates := make([]string, 0, len(matched))
		for v := range matched {
			candidates = append(candidates, v)
		}
		return "", 0, candidates, nil
	}
	for v, n := range matched {
		return v, n, nil, nil
	}
	panic("unreachable")
}

func matchesPrefix(tokens, words []string) bool {
	if len(words) > len(tokens) {
		return false
	}
	for i, w := range words {
		if !strings.EqualFold(tokens[i], w) {
			return false
		}
	}
	return true
}
