package elproxy

import (
	"regexp"

	"github.com/rs/zerolog"
)

// callsignFilter implements the allow/deny regex policy from the config: a
// callsign is allowed iff it isn't matched by the deny pattern (if any) and
// is matched by the allow pattern (if any). Patterns are compiled once, at
// Open, and are safe for concurrent use thereafter.
type callsignFilter struct {
	allow *regexp.Regexp
	deny  *regexp.Regexp
}

// newCallsignFilter compiles allow/deny, either of which may be empty to mean
// "unset".
func newCallsignFilter(allow, deny string) (*callsignFilter, error) {
	f := new(callsignFilter)
	if allow != "" {
		re, err := regexp.Compile(allow)
		if err != nil {
			return nil, err
		}
		f.allow = re
	}
	if deny != "" {
		re, err := regexp.Compile(deny)
		if err != nil {
			return nil, err
		}
		f.deny = re
	}
	return f, nil
}

// Allowed reports whether callsign passes the filter. Regex engine panics
// can't happen with Go's regexp package (unlike e.g. a backtracking PCRE
// engine), but a panic during either match is still recovered, logged at
// warn level, and the callsign treated as not allowed.
func (f *callsignFilter) Allowed(l zerolog.Logger, callsign string) bool {
	if f == nil {
		return true
	}
	if f.deny != nil {
		if matched, ok := f.safeMatch(l, f.deny, callsign); !ok || matched {
			return false
		}
	}
	if f.allow != nil {
		matched, ok := f.safeMatch(l, f.allow, callsign)
		return ok && matched
	}
	return true
}

// safeMatch reports whether re matches callsign; ok is false if the match
// panicked.
func (f *callsignFilter) safeMatch(l zerolog.Logger, re *regexp.Regexp, callsign string) (matched, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			l.Warn().Interface("panic", p).Str("callsign", callsign).Msg("callsign filter match panicked; treating as not allowed")
			matched, ok = false, false
		}
	}()
	return re.MatchString(callsign), true
}
