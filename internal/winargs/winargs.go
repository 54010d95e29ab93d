// Package winargs builds and parses Windows command lines.
//
// CreateProcess takes a single command-line string, and each target program splits it back into
// arguments itself. Native programs use the CommandLineToArgvW rules, while batch files are run
// by cmd.exe, which treats <>&|^ as operators and does not know about \" escapes.
package winargs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmbeddedQuote is returned for an argument or executable that cannot be quoted safely.
var ErrEmbeddedQuote = errors.New("embedded quote")

// Policy selects how arguments are quoted.
type Policy int

const (
	// PolicyScript is used for .cmd and .bat targets.
	PolicyScript Policy = iota
	// PolicyNative is used for executables that parse their command line with CommandLineToArgvW.
	PolicyNative
	// PolicyLegacy only quotes on whitespace and passes already quoted arguments through.
	PolicyLegacy
)

func (p Policy) String() string {
	switch p {
	case PolicyScript:
		return "script"
	case PolicyNative:
		return "native"
	case PolicyLegacy:
		return "legacy"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{PolicyScript, PolicyNative, PolicyLegacy} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown quoting policy %q", s)
}

// characters that force quoting, per policy
var needsQuoting = map[Policy]string{
	PolicyScript: " \t<>&|^",
	PolicyNative: " \t<>\"",
	PolicyLegacy: " \t",
}

// PolicyFor returns PolicyScript for batch files and PolicyNative otherwise.
func PolicyFor(executable string) Policy {
	upper := strings.ToUpper(executable)
	if strings.HasSuffix(upper, ".CMD") || strings.HasSuffix(upper, ".BAT") {
		return PolicyScript
	}
	return PolicyNative
}

// isQuoted reports whether arg is wholly enclosed in quotes.
// With noQuotesInside, any other quote character is an error.
func isQuoted(noQuotesInside bool, arg string) (bool, error) {
	last := len(arg) - 1
	if last >= 1 && arg[0] == '"' && arg[last] == '"' {
		if noQuotesInside && strings.IndexByte(arg[1:], '"') != last-1 {
			return false, ErrEmbeddedQuote
		}
		return true, nil
	}
	if noQuotesInside && strings.IndexByte(arg, '"') >= 0 {
		return false, ErrEmbeddedQuote
	}
	return false, nil
}

// Quote returns arg as it must appear on a command line under policy p.
func Quote(p Policy, arg string) (string, error) {
	switch p {
	case PolicyScript:
		quoted, err := isQuoted(true, arg)
		if err != nil {
			return "", fmt.Errorf("argument %q: %w, use an explicit cmd.exe call", arg, err)
		}
		if quoted {
			return arg, nil
		}
		if arg == "" || strings.ContainsAny(arg, needsQuoting[p]) {
			// cmd.exe does not treat \" as an escape, so trailing backslashes stay as they are.
			return `"` + arg + `"`, nil
		}
		return arg, nil
	case PolicyNative:
		if arg != "" && !strings.ContainsAny(arg, needsQuoting[p]) {
			return arg, nil
		}
		return escapeNative(arg), nil
	case PolicyLegacy:
		quoted, _ := isQuoted(false, arg)
		if quoted || (arg != "" && !strings.ContainsAny(arg, needsQuoting[p])) {
			return arg, nil
		}
		s := `"` + arg
		if strings.HasSuffix(arg, `\`) {
			s += `\`
		}
		return s + `"`, nil
	}
	return "", fmt.Errorf("unknown quoting policy %d", int(p))
}

// escapeNative quotes arg so that CommandLineToArgvW yields it back unchanged.
// A run of n backslashes followed by a quote becomes 2n+1 backslashes and the quote,
// and a run of n backslashes before the closing quote becomes 2n backslashes.
func escapeNative(arg string) string {
	var b strings.Builder
	b.Grow(len(arg) + 2)
	b.WriteByte('"')
	slashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes+1))
			slashes = 0
		default:
			slashes = 0
		}
		b.WriteByte(c)
	}
	b.WriteString(strings.Repeat(`\`, slashes))
	b.WriteByte('"')
	return b.String()
}

// ExecutablePath strips the quotes from a quoted executable name.
func ExecutablePath(path string) (string, error) {
	quoted, err := isQuoted(true, path)
	if err != nil {
		return "", fmt.Errorf("executable name %q: %w, split the arguments", path, err)
	}
	if quoted {
		return path[1 : len(path)-1], nil
	}
	return path, nil
}

// Build joins the quoted executable and arguments under policy p.
func Build(p Policy, executable string, args []string) (string, error) {
	exe, err := ExecutablePath(executable)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte('"')
	b.WriteString(exe)
	b.WriteByte('"')
	for _, arg := range args {
		q, err := Quote(p, arg)
		if err != nil {
			return "", err
		}
		b.WriteByte(' ')
		b.WriteString(q)
	}
	return b.String(), nil
}

var tokenPattern = regexp.MustCompile(`[^\s"]+|"[^"]*"`)

// Tokenize splits a command string into whitespace separated tokens, keeping quoted runs intact.
func Tokenize(command string) []string {
	return tokenPattern.FindAllString(command, -1)
}

// Resolve returns the executable path and arguments for argv.
//
// With allowAmbiguous, an executable name that cannot be used as given (for example
// `"C:\Program Files\foo" bar` passed as a single element) is handled the way older runtimes did:
// the whole argv is joined with spaces and re-tokenized. This is platform-legacy behavior kept for
// callers that depend on it; it cannot protect batch files from argument injection.
func Resolve(argv []string, allowAmbiguous bool) (string, []string, error) {
	if len(argv) == 0 {
		return "", nil, errors.New("empty command")
	}
	exe, err := ExecutablePath(argv[0])
	if err == nil {
		return exe, argv[1:], nil
	}
	if !allowAmbiguous {
		return "", nil, err
	}
	var joined strings.Builder
	for _, s := range argv {
		joined.WriteString(s)
		joined.WriteByte(' ')
	}
	tokens := Tokenize(joined.String())
	if len(tokens) == 0 {
		return "", nil, err
	}
	exe, err = ExecutablePath(tokens[0])
	if err != nil {
		return "", nil, err
	}
	return exe, tokens[1:], nil
}
