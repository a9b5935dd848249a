// Package regex lets peers announce the strings they are interested in as a
// regular expression and lets other peers search for the announcers of a
// given string.
//
// Every announced pattern is split into accepting states. A pattern with a
// finite language of at most MaxStates strings has one state per string; any
// other pattern has a single state for the whole pattern. Each state is
// stored in the DHT as a signed accept block under its accepting key.
package regex

import (
	"regexp"
	"regexp/syntax"
	"sort"

	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
)

// MaxStates bounds how many strings of a finite pattern get their own state.
const MaxStates = 64

// Canonical parses pattern and returns its simplified form, so equivalent
// spellings of a pattern share their accepting keys.
func Canonical(pattern string) (string, *syntax.Regexp, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return "", nil, errors.WithMessagef(err, "invalid pattern %q", pattern)
	}
	re = re.Simplify()
	return re.String(), re, nil
}

// stateKey is the accepting key of state. The state of a pattern without a
// finite language is the canonical pattern.
func stateKey(canonical, state string) block.HashCode {
	return block.Hash([]byte(canonical + "\x00" + state))
}

// AcceptingStates returns the accepting keys of pattern with the state each
// one stands for.
func AcceptingStates(pattern string) (map[block.HashCode]string, error) {
	canonical, re, err := Canonical(pattern)
	if err != nil {
		return nil, err
	}
	states := make(map[block.HashCode]string)
	words, finite := language(re, MaxStates)
	if !finite {
		states[stateKey(canonical, canonical)] = canonical
		return states, nil
	}
	for _, w := range words {
		states[stateKey(canonical, w)] = w
	}
	return states, nil
}

// AcceptingKey returns the key of the state of pattern that accepts str. ok
// is false when pattern does not match the whole of str.
func AcceptingKey(pattern, str string) (key block.HashCode, ok bool, err error) {
	canonical, re, err := Canonical(pattern)
	if err != nil {
		return key, false, err
	}
	m, err := regexp.Compile(`^(?:` + canonical + `)$`)
	if err != nil {
		return key, false, err
	}
	if !m.MatchString(str) {
		return key, false, nil
	}
	if _, finite := language(re, MaxStates); !finite {
		return stateKey(canonical, canonical), true, nil
	}
	return stateKey(canonical, str), true, nil
}

// language lists the strings matched by re. It gives up and reports false
// when the language is infinite, case folded or larger than limit.
func language(re *syntax.Regexp, limit int) ([]string, bool) {
	words, ok := expand(re, limit)
	if !ok {
		return nil, false
	}
	seen := make(map[string]struct{}, len(words))
	uniq := words[:0]
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		uniq = append(uniq, w)
	}
	sort.Strings(uniq)
	return uniq, true
}

func expand(re *syntax.Regexp, limit int) ([]string, bool) {
	switch re.Op {
	case syntax.OpEmptyMatch, syntax.OpBeginText, syntax.OpEndText, syntax.OpBeginLine, syntax.OpEndLine:
		return []string{""}, true

	case syntax.OpLiteral:
		if re.Flags&syntax.FoldCase != 0 {
			return nil, false
		}
		return []string{string(re.Rune)}, true

	case syntax.OpCharClass:
		var words []string
		for i := 0; i+1 < len(re.Rune); i += 2 {
			lo, hi := re.Rune[i], re.Rune[i+1]
			if int(hi-lo)+len(words) >= limit {
				return nil, false
			}
			for r := lo; r <= hi; r++ {
				words = append(words, string(r))
			}
		}
		return words, true

	case syntax.OpCapture:
		return expand(re.Sub[0], limit)

	case syntax.OpQuest:
		sub, ok := expand(re.Sub[0], limit)
		if !ok || len(sub) >= limit {
			return nil, false
		}
		return append([]string{""}, sub...), true

	case syntax.OpAlternate:
		var words []string
		for _, s := range re.Sub {
			sub, ok := expand(s, limit)
			if !ok || len(words)+len(sub) > limit {
				return nil, false
			}
			words = append(words, sub...)
		}
		return words, true

	case syntax.OpConcat:
		words := []string{""}
		for _, s := range re.Sub {
			sub, ok := expand(s, limit)
			if !ok || len(words)*len(sub) > limit {
				return nil, false
			}
			next := make([]string, 0, len(words)*len(sub))
			for _, prefix := range words {
				for _, suffix := range sub {
					next = append(next, prefix+suffix)
				}
			}
			words = next
		}
		return words, true
	}
	// star, plus, unbounded repeats and any-char classes
	return nil, false
}
