// Package protocol implements the text protocol codec (spec §4.5): a
// bidirectional mapping between line-oriented commands and typed
// Action/Result values, satisfying the round-trip law
// decode(encode(decode(text))) = decode(text) for every canonical
// Action, and never panicking on malformed input.
package protocol

import (
	"io"
	"strconv"
	"strings"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/spf13/pflag"
)

type flagKind int

const (
	flagString flagKind = iota
	flagBool
	flagStringList
)

type verbSchema map[string]flagKind

// verbSchemas enumerates the recognized flags per verb. Decode rejects
// any flag outside a verb's schema with invalid-argument and the list
// of accepted flags, per §4.5.
var verbSchemas = map[string]verbSchema{
	"launch": {
		"capability": flagStringList,
		"tag-color":  flagString,
		"tag-branch": flagString,
		"source-ref": flagString,
		"isolation":  flagString,
	},
	"terminate": {
		"grace": flagString,
	},
	"submit": {
		"kind":         flagString,
		"payload":      flagString,
		"capability":   flagStringList,
		"deadline":     flagString,
		"max-attempts": flagString,
	},
	"cancel": {},
	"status": {
		"instance": flagString,
		"task":     flagString,
		"watch":    flagBool,
	},
	"heartbeat": {
		"load": flagString,
	},
	"complete": {
		"result": flagString,
		"error":  flagString,
	},
	"subscribe": {
		"kind": flagString,
	},
	"help": {},
}

// Decode parses one protocol line into an Action. Decode never panics;
// any malformed input yields a *fleet.FleetError with Kind
// ErrInvalidSyntax and a "offset" field naming the character position
// of the failure.
func Decode(line string) (*fleet.Action, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return nil, syntaxFleetError(err)
	}
	if len(tokens) == 0 {
		return nil, fleet.NewError(fleet.ErrInvalidSyntax, "empty command").WithField("offset", "0")
	}

	verb, consumed, ambiguous, err := resolveVerb(tokens)
	if err != nil {
		return nil, syntaxFleetError(err)
	}
	if len(ambiguous) > 0 {
		return nil, fleet.NewError(fleet.ErrInvalidSyntax, "ambiguous-command").
			WithField("candidates", strings.Join(ambiguous, ","))
	}

	schema, ok := verbSchemas[verb]
	if !ok {
		return nil, fleet.NewError(fleet.ErrInvalidSyntax, "unrecognized verb %s", verb)
	}

	rest := tokens[consumed:]
	action, err := parseFlags(verb, schema, rest)
	if err != nil {
		return nil, err
	}
	return action, nil
}

// parseFlags splits rest into positional arguments and named flags
// using a pflag.FlagSet built from schema, so typed flag parsing and
// unknown-flag rejection reuse the same mechanism the command-line
// surface does.
func parseFlags(verb string, schema verbSchema, rest []string) (*fleet.Action, error) {
	fs := pflag.NewFlagSet(verb, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	lists := make(map[string]*[]string)
	for name, kind := range schema {
		switch kind {
		case flagString:
			fs.String(name, "", "")
		case flagBool:
			fs.Bool(name, false, "")
		case flagStringList:
			v := fs.StringArray(name, nil, "")
			lists[name] = v
		}
	}

	if err := fs.Parse(rest); err != nil {
		return nil, fleet.NewError(fleet.ErrInvalidArgument, "%v", err).
			WithField("accepted-flags", acceptedFlags(schema))
	}

	action := &fleet.Action{
		Verb:      verb,
		Args:      fs.Args(),
		Flags:     make(map[string]string),
		BoolFlags: make(map[string]bool),
	}

	fs.Visit(func(f *pflag.Flag) {
		if list, ok := lists[f.Name]; ok {
			action.Flags[f.Name] = strings.Join(*list, ",")
			return
		}
		switch f.Value.Type() {
		case "bool":
			b, _ := strconv.ParseBool(f.Value.String())
			action.BoolFlags[f.Name] = b
		default:
			action.Flags[f.Name] = f.Value.String()
		}
	})

	return action, nil
}

func acceptedFlags(schema verbSchema) string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

func syntaxFleetError(err error) error {
	if se, ok := err.(*syntaxError); ok {
		return fleet.NewError(fleet.ErrInvalidSyntax, "%s", se.message).
			WithField("offset", strconv.Itoa(se.offset))
	}
	return fleet.NewError(fleet.ErrInvalidSyntax, "%v", err)
}

// Encode renders a Result as its single-line wire form:
// "OK corr k=v ..." / "ERR corr code message k=v ..." / "PARTIAL corr ...".
func Encode(result fleet.Result) string {
	var b strings.Builder
	b.WriteString(string(result.Status))
	b.WriteByte(' ')
	b.WriteString(quoteIfNeeded(result.CorrelationID))

	if result.Status == fleet.StatusError {
		b.WriteByte(' ')
		b.WriteString(string(result.ErrorCode))
		b.WriteByte(' ')
		b.WriteString(quoteIfNeeded(result.Message))
	}

	keys := make([]string, 0, len(result.Fields))
	for k := range result.Fields {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(result.Fields[k]))
	}

	return b.String()
}

// EncodeAction renders an Action back to its single-line wire form:
// "verb --flag value --bool-flag arg1 arg2 ...". It exists so the
// round-trip law decode(encode(decode(text))) = decode(text) (spec
// §4.5/§8 L1) is actually checkable against a real encoder, not just
// Decode called twice on the same literal.
func EncodeAction(action fleet.Action) string {
	var b strings.Builder
	b.WriteString(action.Verb)

	keys := make([]string, 0, len(action.Flags))
	for k := range action.Flags {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		b.WriteString(" --")
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(quoteIfNeeded(action.Flags[k]))
	}

	boolKeys := make([]string, 0, len(action.BoolFlags))
	for k := range action.BoolFlags {
		boolKeys = append(boolKeys, k)
	}
	sortStrings(boolKeys)
	for _, k := range boolKeys {
		b.WriteString(" --")
		b.WriteString(k)
		if !action.BoolFlags[k] {
			b.WriteString("=false")
		}
	}

	for _, arg := range action.Args {
		b.WriteByte(' ')
		b.WriteString(quoteIfNeeded(arg))
	}

	return b.String()
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return strconv.Quote(s)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
