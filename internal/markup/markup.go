// Package markup turns key sequence strings such as "{+CTRL}c{-CTRL}" into
// ordered input actions.
//
// Literal text types each codepoint. Directives are written in braces:
//
//	{NAME}          click a special key, layout key or mouse button
//	{+NAME} {-NAME} press and later release it
//	{NAME(n)}       click n times
//	{PAUSE(ms)}     wait
//	{U(hex)}        type a codepoint, also {UNICODE(hex)}
//	{RAW(n)}        click a platform keycode
//	{MOVE(x,y)}     move the pointer to x,y; {MOVEREL(dx,dy)} moves by an offset
//	{SCROLL(n)}     scroll vertically; {HSCROLL(n)} horizontally
//
// "{{" and "}}" stand for literal braces.
package markup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"keysynth/internal/event"
)

var (
	ErrUnknownKey         = errors.New("unknown key")
	ErrUnbalancedModifier = errors.New("unbalanced modifier")
	ErrInvalidEscape      = errors.New("invalid escape")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrInvalidEncoding    = errors.New("invalid utf-8")
)

// maxRepeat bounds {NAME(n)} so a typo cannot allocate millions of actions.
const maxRepeat = 1000

// ParseError locates a failure in the input.
type ParseError struct {
	Offset int    // byte offset of the offending directive or character
	Name   string // directive name as written, if any
	Err    error
}

func (e *ParseError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("markup: offset %d: %v %q", e.Offset, e.Err, e.Name)
	}
	return fmt.Sprintf("markup: offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// scope identifies a held key or button.
type scope struct {
	key    event.Key
	button event.Button
}

type openScope struct {
	offset int
	name   string
}

type parser struct {
	src     string
	actions []event.Action
	open    map[scope]openScope
	order   []scope
}

// Parse converts s into actions in a single left to right scan. On failure it
// returns a nil slice and a *ParseError.
func Parse(s string) ([]event.Action, error) {
	p := &parser{src: s, open: make(map[scope]openScope)}
	if err := p.run(); err != nil {
		return nil, err
	}
	return p.actions, nil
}

func (p *parser) run() error {
	for i := 0; i < len(p.src); {
		switch c := p.src[i]; c {
		case '{':
			if i+1 < len(p.src) && p.src[i+1] == '{' {
				p.emit(event.KeyAction{Key: event.Unicode('{'), Direction: event.Click})
				i += 2
				continue
			}
			end := strings.IndexByte(p.src[i+1:], '}')
			if end < 0 {
				return &ParseError{Offset: i, Err: ErrInvalidEscape}
			}
			if err := p.directive(i, p.src[i+1:i+1+end]); err != nil {
				return err
			}
			i += end + 2
		case '}':
			if i+1 < len(p.src) && p.src[i+1] == '}' {
				p.emit(event.KeyAction{Key: event.Unicode('}'), Direction: event.Click})
				i += 2
				continue
			}
			return &ParseError{Offset: i, Err: ErrInvalidEscape}
		default:
			r, size := utf8.DecodeRuneInString(p.src[i:])
			if r == utf8.RuneError && size == 1 {
				return &ParseError{Offset: i, Err: ErrInvalidEncoding}
			}
			p.emit(event.KeyAction{Key: event.Unicode(r), Direction: event.Click})
			i += size
		}
	}
	for _, sc := range p.order {
		if o, ok := p.open[sc]; ok {
			return &ParseError{Offset: o.offset, Name: o.name, Err: ErrUnbalancedModifier}
		}
	}
	return nil
}

func (p *parser) emit(a event.Action) {
	p.actions = append(p.actions, a)
}

// directive handles the text between a pair of braces starting at offset.
func (p *parser) directive(offset int, body string) error {
	dir := event.Click
	switch {
	case strings.HasPrefix(body, "+"):
		dir, body = event.Press, body[1:]
	case strings.HasPrefix(body, "-"):
		dir, body = event.Release, body[1:]
	}

	name, param, hasParam := body, "", false
	if open := strings.IndexByte(body, '('); open >= 0 {
		if !strings.HasSuffix(body, ")") {
			return &ParseError{Offset: offset, Name: body[:open], Err: ErrInvalidParameter}
		}
		name, param, hasParam = body[:open], body[open+1:len(body)-1], true
	}
	bad := func(err error) error {
		return &ParseError{Offset: offset, Name: name, Err: err}
	}

	if hasParam {
		if fn, ok := parameterised[strings.ToUpper(name)]; ok {
			a, err := fn(param)
			if err != nil {
				return bad(fmt.Errorf("%w: %v", ErrInvalidParameter, err))
			}
			if k, isKey := a.(event.KeyAction); isKey {
				return p.keyDirective(offset, name, scope{key: k.Key}, dir, 1)
			}
			if dir != event.Click {
				return bad(ErrInvalidParameter)
			}
			p.emit(a)
			return nil
		}
	}

	sc, ok := lookup(name)
	if !ok {
		if _, isDirective := parameterised[strings.ToUpper(name)]; isDirective {
			return bad(ErrInvalidParameter)
		}
		return bad(ErrUnknownKey)
	}

	count := 1
	if hasParam {
		n, err := strconv.Atoi(strings.TrimSpace(param))
		if err != nil || n < 0 || n > maxRepeat || dir != event.Click {
			return bad(ErrInvalidParameter)
		}
		count = n
	}
	return p.keyDirective(offset, name, sc, dir, count)
}

func (p *parser) keyDirective(offset int, name string, sc scope, dir event.Direction, count int) error {
	switch dir {
	case event.Press:
		if _, held := p.open[sc]; held {
			return &ParseError{Offset: offset, Name: name, Err: ErrUnbalancedModifier}
		}
		p.open[sc] = openScope{offset: offset, name: name}
		p.order = append(p.order, sc)
	case event.Release:
		if _, held := p.open[sc]; !held {
			return &ParseError{Offset: offset, Name: name, Err: ErrUnbalancedModifier}
		}
		delete(p.open, sc)
	}
	for range count {
		if sc.button != 0 {
			p.emit(event.ButtonAction{Button: sc.button, Direction: dir})
		} else {
			p.emit(event.KeyAction{Key: sc.key, Direction: dir})
		}
	}
	return nil
}

var buttons = map[string]event.Button{
	"LBUTTON":  event.Left,
	"MBUTTON":  event.Middle,
	"RBUTTON":  event.Right,
	"XBUTTON1": event.Back,
	"XBUTTON2": event.Forward,
}

// lookup resolves a bare directive name: special keys first, then layout
// keys, then mouse buttons.
func lookup(name string) (scope, bool) {
	if k, err := event.Special(name); err == nil {
		return scope{key: k}, true
	}
	if k, err := event.Layout(name); err == nil {
		return scope{key: k}, true
	}
	if b, ok := buttons[strings.ToUpper(name)]; ok {
		return scope{button: b}, true
	}
	return scope{}, false
}

var parameterised = map[string]func(string) (event.Action, error){
	"PAUSE": func(s string) (event.Action, error) {
		ms, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		if ms < 0 {
			return nil, fmt.Errorf("negative pause %d", ms)
		}
		return event.PauseAction{Duration: time.Duration(ms) * time.Millisecond}, nil
	},
	"UNICODE": unicodeParam,
	"U":       unicodeParam,
	"RAW": func(s string) (event.Action, error) {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
		if err != nil {
			return nil, err
		}
		return event.KeyAction{Key: event.Raw(uint32(n)), Direction: event.Click}, nil
	},
	"MOVE": func(s string) (event.Action, error) {
		return moveParam(s, event.Abs)
	},
	"MOVEREL": func(s string) (event.Action, error) {
		return moveParam(s, event.Rel)
	},
	"SCROLL": func(s string) (event.Action, error) {
		return scrollParam(s, event.Vertical)
	},
	"HSCROLL": func(s string) (event.Action, error) {
		return scrollParam(s, event.Horizontal)
	},
}

func unicodeParam(s string) (event.Action, error) {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"U+", "u+", "0x", "0X"} {
		s = strings.TrimPrefix(s, prefix)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, err
	}
	r := rune(n)
	if !utf8.ValidRune(r) {
		return nil, fmt.Errorf("not a codepoint: %#x", n)
	}
	return event.KeyAction{Key: event.Unicode(r), Direction: event.Click}, nil
}

func moveParam(s string, c event.Coordinate) (event.Action, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("want x,y, got %q", s)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 32)
	if err != nil {
		return nil, err
	}
	y, err := strconv.ParseInt(strings.TrimSpace(ys), 10, 32)
	if err != nil {
		return nil, err
	}
	return event.MoveAction{X: int32(x), Y: int32(y), Coordinate: c}, nil
}

func scrollParam(s string, axis event.Axis) (event.Action, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return nil, err
	}
	return event.ScrollAction{Axis: axis, Amount: int32(n)}, nil
}

// Escape quotes braces so that s is typed literally by Parse.
func Escape(s string) string {
	r := strings.NewReplacer("{", "{{", "}", "}}")
	return r.Replace(s)
}
