package winargs

import "strings"

// Parse splits a command line the way CommandLineToArgvW does.
//
// The first element is the program name, which ends at the closing quote if it starts with one and
// at the first whitespace otherwise; backslashes have no special meaning in it. For the remaining
// arguments, 2n backslashes before a quote yield n backslashes and toggle quoting, 2n+1 yield n
// backslashes and a literal quote, and backslashes not followed by a quote are literal.
func Parse(cmdline string) []string {
	var args []string
	prog, rest := readProgram(cmdline)
	if prog == "" && rest == "" && strings.TrimSpace(cmdline) == "" {
		return nil
	}
	args = append(args, prog)
	for len(rest) > 0 {
		if rest[0] == ' ' || rest[0] == '\t' {
			rest = rest[1:]
			continue
		}
		var arg string
		arg, rest = readArg(rest)
		args = append(args, arg)
	}
	return args
}

func readProgram(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	var b strings.Builder
	inquote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inquote = !inquote
		case (c == ' ' || c == '\t') && !inquote:
			return b.String(), s[i+1:]
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), ""
}

func readArg(s string) (string, string) {
	var b strings.Builder
	inquote := false
	slashes := 0
	for ; len(s) > 0; s = s[1:] {
		c := s[0]
		switch c {
		case ' ', '\t':
			if !inquote {
				b.WriteString(strings.Repeat(`\`, slashes))
				return b.String(), s[1:]
			}
		case '\\':
			slashes++
			continue
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes/2))
			if slashes%2 == 1 {
				b.WriteByte('"')
			} else {
				// a doubled quote inside a quoted run is a literal quote
				if inquote && len(s) > 1 && s[1] == '"' {
					b.WriteByte('"')
					s = s[1:]
				}
				inquote = !inquote
			}
			slashes = 0
			continue
		}
		b.WriteString(strings.Repeat(`\`, slashes))
		slashes = 0
		b.WriteByte(c)
	}
	b.WriteString(strings.Repeat(`\`, slashes))
	return b.String(), ""
}
