// Package route implements the routing core of the gateway: path templates
// compiled into matchers, routes that dispatch to one of three handler
// kinds, and the per-request parameter store that nested routers merge
// into as a request descends the routing tree.
package route

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a compiled path template. It pairs a regular expression with
// the parameter names bound by its capture groups, in group order: group
// i+1 of the expression binds params[i]. Plain capture groups are used
// instead of named ones so duplicate parameter names remain representable.
type Pattern struct {
	source string
	re     *regexp.Regexp
	params []string
}

// compileExact compiles a template that must match an entire target path.
func compileExact(template string) (*Pattern, error) {
	p, err := compile(template, true)
	if err != nil {
		return nil, &CompileError{Template: template, Mode: ModeExact, Err: err}
	}
	return p, nil
}

// compilePrefix compiles a template that must match a leading portion of a
// target path; the unmatched remainder is forwarded to a nested router.
func compilePrefix(template string) (*Pattern, error) {
	p, err := compile(template, false)
	if err != nil {
		return nil, &CompileError{Template: template, Mode: ModePrefix, Err: err}
	}
	return p, nil
}

// compile translates a template into an anchored regular expression.
// The template is split on "/"; a segment of the form {name} becomes a
// capture group matching one or more non-separator characters, any other
// segment is inserted as a regex-escaped literal. Exact patterns carry
// both anchors, prefix patterns only the start anchor.
func compile(template string, exact bool) (*Pattern, error) {
	var b strings.Builder
	b.WriteByte('^')

	var params []string
	for i, seg := range strings.Split(template, "/") {
		if i > 0 {
			b.WriteByte('/')
		}
		switch {
		case isParamSegment(seg):
			name := seg[1 : len(seg)-1]
			if name == "" {
				return nil, fmt.Errorf("parameter segment %q has an empty name", seg)
			}
			if strings.ContainsAny(name, "{}") {
				return nil, fmt.Errorf("parameter name %q contains a brace", name)
			}
			params = append(params, name)
			b.WriteString(`([^/]+)`)
		case strings.ContainsAny(seg, "{}"):
			return nil, fmt.Errorf("segment %q is malformed: braces are only valid as a whole-segment parameter like {name}", seg)
		default:
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	if exact {
		b.WriteByte('$')
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &Pattern{source: template, re: re, params: params}, nil
}

// isParamSegment reports whether seg is a whole-segment parameter, i.e.
// opens with "{" and closes with "}".
func isParamSegment(seg string) bool {
	return len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}'
}

// Source returns the original template text.
func (p *Pattern) Source() string { return p.source }

// ParamNames returns the parameter names in capture-group order.
func (p *Pattern) ParamNames() []string {
	out := make([]string, len(p.params))
	copy(out, p.params)
	return out
}

// match reports whether path satisfies the pattern. For prefix patterns
// this is a prefix test; the expression is start-anchored, so a match can
// only begin at the first byte.
func (p *Pattern) match(path string) bool {
	return p.re.MatchString(path)
}

// remainder returns path with the matched prefix text removed. The cut is
// exactly the matched text: no separator normalization happens, so a
// template ending in "/" consumes that slash and the remainder starts
// without one.
func (p *Pattern) remainder(path string) string {
	loc := p.re.FindStringIndex(path)
	if loc == nil {
		return path
	}
	return path[loc[1]:]
}

// capture extracts the bound parameters from a matched path. Group i+1
// binds p.params[i]; a group that did not participate in the match is
// skipped rather than bound, keeping extraction total. Returns nil when
// the pattern has no parameters or the path does not match.
func (p *Pattern) capture(path string) Params {
	if len(p.params) == 0 {
		return nil
	}
	idx := p.re.FindStringSubmatchIndex(path)
	if idx == nil {
		return nil
	}
	out := make(Params, 0, len(p.params))
	for i, name := range p.params {
		lo, hi := idx[2*(i+1)], idx[2*(i+1)+1]
		if lo < 0 {
			continue
		}
		out = append(out, Param{Name: name, Value: path[lo:hi]})
	}
	return out
}
