// Package match parses bus match rules, the key='value',... grammar
// clients pass to org.freedesktop.DBus.AddMatch, and evaluates them
// against routed messages. The router consults the Engine for every
// signal it fans out.
package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kjx/dbusd/wire"
)

// Rule is one parsed match rule. Each non-empty field constrains
// matching on that axis; a Rule with every field empty matches
// everything.
type Rule struct {
	// raw is the original match string, returned verbatim by String
	// and used as the rule's registry key for RemoveMatch.
	raw string

	Type          string // "signal", "method_call", "method_return", "error", or empty
	Sender        string
	Interface     string
	Member        string
	Path          string
	PathNamespace string
	Destination   string
	Eavesdrop     bool
	eavesdropSet  bool
	Args          map[int]string // argN='value'
	ArgPaths      map[int]string // argNpath='value'
}

// String returns the rule's original match string.
func (r Rule) String() string { return r.raw }

// Parse parses a match rule in the key='value',key='value',... grammar
// used by org.freedesktop.DBus.AddMatch.
func Parse(s string) (Rule, error) {
	r := Rule{raw: s, Args: map[int]string{}, ArgPaths: map[int]string{}}
	if strings.TrimSpace(s) == "" {
		return r, nil
	}

	for _, kv := range splitTopLevel(s) {
		key, val, err := splitKV(kv)
		if err != nil {
			return Rule{}, err
		}
		switch {
		case key == "type":
			switch val {
			case "signal", "method_call", "method_return", "error":
			default:
				return Rule{}, fmt.Errorf("match: invalid type %q", val)
			}
			r.Type = val
		case key == "sender":
			r.Sender = val
		case key == "interface":
			r.Interface = val
		case key == "member":
			r.Member = val
		case key == "path":
			r.Path = val
		case key == "path_namespace":
			r.PathNamespace = val
		case key == "destination":
			r.Destination = val
		case key == "eavesdrop":
			r.Eavesdrop = val == "true"
			r.eavesdropSet = true
		case strings.HasPrefix(key, "arg") && strings.HasSuffix(key, "path"):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, "arg"), "path"))
			if err != nil || n < 0 || n > 63 {
				return Rule{}, fmt.Errorf("match: invalid key %q", key)
			}
			r.ArgPaths[n] = val
		case strings.HasPrefix(key, "arg"):
			n, err := strconv.Atoi(strings.TrimPrefix(key, "arg"))
			if err != nil || n < 0 || n > 63 {
				return Rule{}, fmt.Errorf("match: invalid key %q", key)
			}
			r.Args[n] = val
		default:
			return Rule{}, fmt.Errorf("match: unknown key %q", key)
		}
	}
	return r, nil
}

// splitTopLevel splits a rule string on commas that are not inside a
// single-quoted value.
func splitTopLevel(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func splitKV(kv string) (key, val string, err error) {
	i := strings.IndexByte(kv, '=')
	if i < 0 {
		return "", "", fmt.Errorf("match: missing '=' in clause %q", kv)
	}
	key = strings.TrimSpace(kv[:i])
	rawVal := kv[i+1:]
	if len(rawVal) < 2 || rawVal[0] != '\'' || rawVal[len(rawVal)-1] != '\'' {
		return "", "", fmt.Errorf("match: value for %q is not quoted", key)
	}
	val = strings.ReplaceAll(rawVal[1:len(rawVal)-1], `'\''`, `'`)
	return key, val, nil
}

// RoutedMessage is the subset of a routed message's fields the match
// engine needs to evaluate a Rule. The router fills this in from a
// decoded wire.Message plus the connection metadata (sender unique
// name, whether delivery would be an eavesdrop) that isn't itself
// part of the wire format.
type RoutedMessage struct {
	Type        wire.MsgType
	Sender      string
	Interface   string
	Member      string
	Path        string
	Destination string
	Eavesdrop   bool
	Args        []wire.Value
}

// Matches reports whether msg satisfies every clause of r.
func Matches(r Rule, msg RoutedMessage) bool {
	if r.Type != "" && r.Type != msgTypeString(msg.Type) {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.PathNamespace != "" && !isPathOrChild(msg.Path, r.PathNamespace) {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		return false
	}
	if r.eavesdropSet && r.Eavesdrop != msg.Eavesdrop {
		return false
	}
	for n, want := range r.Args {
		if !argStringEquals(msg.Args, n, want) {
			return false
		}
	}
	for n, want := range r.ArgPaths {
		got, ok := argString(msg.Args, n)
		if !ok || (got != want && !isPathOrChild(got, want)) {
			return false
		}
	}
	return true
}

func msgTypeString(t wire.MsgType) string {
	switch t {
	case wire.MethodCall:
		return "method_call"
	case wire.MethodReturn:
		return "method_return"
	case wire.MsgError:
		return "error"
	case wire.Signal:
		return "signal"
	default:
		return ""
	}
}

func isPathOrChild(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if prefix == "/" {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func argString(args []wire.Value, n int) (string, bool) {
	if n < 0 || n >= len(args) {
		return "", false
	}
	v := args[n]
	if v.Type.Kind == wire.KindString || v.Type.Kind == wire.KindObjectPath {
		return v.Str, true
	}
	return "", false
}

func argStringEquals(args []wire.Value, n int, want string) bool {
	got, ok := argString(args, n)
	return ok && got == want
}
