/*
 * Copyright (c) 2024-2025, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package coords

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFilter is returned when a focus/filter string does not parse.
var ErrInvalidFilter = errors.New("invalid filter")

// CommandKind classifies a parsed coordinate command.
type CommandKind int

const (
	// CommandNone is the zero kind; a parse never returns it on success.
	CommandNone CommandKind = iota
	// CommandSwitch carries at least one selector with a value.
	CommandSwitch
	// CommandQuery carries selectors only, without values.
	CommandQuery
	// CommandFilter is the switch shape used as an iteration filter.
	CommandFilter
)

func (k CommandKind) String() string {
	switch k {
	case CommandSwitch:
		return "switch"
	case CommandQuery:
		return "query"
	case CommandFilter:
		return "filter"
	}
	return "none"
}

// Accepted is the set of command kinds a call site is prepared to handle.
type Accepted struct {
	Switch bool
	Query  bool
	Filter bool
}

// Request is the result of parsing a focus/filter/query command string.
type Request struct {
	Kind CommandKind
	// Coords holds the parsed fields; unspecified fields carry the
	// default passed to Parse.
	Coords Coords
	// PhysicalSelector is set when any of device/sm/warp/lane was named.
	PhysicalSelector bool
	// LogicalSelector is set when any of kernel/grid/block/thread was named.
	LogicalSelector bool
	// Queried lists the selectors named without a value, in input order.
	Queried []string
}

// tokenize splits the input, treating parentheses and commas as their own
// tokens so that "block (1, 2,3)" and "block(1,2,3)" scan identically.
func tokenize(input string) []string {
	var b strings.Builder
	for _, r := range input {
		switch r {
		case '(', ')', ',':
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Fields(b.String())
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	if t != "" {
		p.pos++
	}
	return t
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidFilter, tok, got)
	}
	return nil
}

// value parses uint | "current" | "any" | "*"; ok is false when the next
// token is not a value (the selector was named without one).
func (p *parser) value() (uint32, bool, error) {
	tok := p.peek()
	switch tok {
	case "", "(", ")", ",":
		return 0, false, nil
	case "current":
		p.pos++
		return Current, true, nil
	case "any", "*":
		p.pos++
		return Wildcard, true, nil
	}
	n, err := strconv.ParseUint(tok, 0, 32)
	if err != nil {
		// Not a value; the token is presumably the next selector.
		if isSelector(tok) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: invalid value %q", ErrInvalidFilter, tok)
	}
	if IsSpecial32(uint32(n)) {
		return 0, false, fmt.Errorf("%w: value %q out of range", ErrInvalidFilter, tok)
	}
	p.pos++
	return uint32(n), true, nil
}

func (p *parser) dim3() (CuDim3, bool, error) {
	if p.peek() != "(" {
		return CuDim3{}, false, nil
	}
	p.pos++
	var d CuDim3
	for i, dst := range []*uint32{&d.X, &d.Y, &d.Z} {
		if i > 0 {
			if err := p.expect(","); err != nil {
				return d, false, err
			}
		}
		tok := p.next()
		n, err := strconv.ParseUint(tok, 0, 32)
		if err != nil || IsSpecial32(uint32(n)) {
			return d, false, fmt.Errorf("%w: invalid dim3 component %q", ErrInvalidFilter, tok)
		}
		*dst = uint32(n)
	}
	if err := p.expect(")"); err != nil {
		return d, false, err
	}
	return d, true, nil
}

func isSelector(tok string) bool {
	switch tok {
	case "device", "sm", "warp", "lane", "kernel", "grid", "block", "thread":
		return true
	}
	return false
}

// Parse recognises the focus/filter/query grammar. Unspecified fields
// default to def (Wildcard for info filters, Current for switch commands).
// The kind is Query when every named selector came without a value, Switch
// (or Filter, when only Filter is accepted) otherwise.
func Parse(input string, accepted Accepted, def uint32) (Request, error) {
	p := &parser{toks: tokenize(input)}
	if len(p.toks) == 0 {
		return Request{}, fmt.Errorf("%w: empty command", ErrInvalidFilter)
	}

	def64 := uint64(0)
	defDim := CuDim3{}
	switch def {
	case Wildcard:
		def64, defDim = Wildcard64, WildcardDim()
	case Current:
		def64, defDim = Current64, CurrentDim()
	default:
		return Request{}, fmt.Errorf("%w: bad default", ErrInvalidFilter)
	}

	req := Request{
		Coords: Coords{
			Valid: true,
			Dev:   def, SM: def, Wp: def, Ln: def,
			KernelID: def64, GridID: def64,
			BlockIdx: defDim, ThreadIdx: defDim,
		},
	}
	withValue, withoutValue := 0, 0
	seen := map[string]bool{}

	for p.pos < len(p.toks) {
		sel := p.next()
		if !isSelector(sel) {
			return Request{}, fmt.Errorf("%w: unknown selector %q", ErrInvalidFilter, sel)
		}
		if seen[sel] {
			return Request{}, fmt.Errorf("%w: selector %q repeated", ErrInvalidFilter, sel)
		}
		seen[sel] = true

		switch sel {
		case "block", "thread":
			d, ok, err := p.dim3()
			if err != nil {
				return Request{}, err
			}
			req.LogicalSelector = true
			if !ok {
				withoutValue++
				req.Queried = append(req.Queried, sel)
				break
			}
			withValue++
			if sel == "block" {
				req.Coords.BlockIdx = d
			} else {
				req.Coords.ThreadIdx = d
			}
		default:
			v, ok, err := p.value()
			if err != nil {
				return Request{}, err
			}
			if !ok {
				withoutValue++
				req.Queried = append(req.Queried, sel)
			} else {
				withValue++
			}
			switch sel {
			case "device", "sm", "warp", "lane":
				req.PhysicalSelector = true
			default:
				req.LogicalSelector = true
			}
			if !ok {
				break
			}
			switch sel {
			case "device":
				req.Coords.Dev = v
			case "sm":
				req.Coords.SM = v
			case "warp":
				req.Coords.Wp = v
			case "lane":
				req.Coords.Ln = v
			case "kernel":
				req.Coords.KernelID = widen(v)
			case "grid":
				req.Coords.GridID = widen(v)
			}
		}
	}

	switch {
	case withValue > 0 && withoutValue > 0:
		return Request{}, fmt.Errorf("%w: cannot mix queries and values", ErrInvalidFilter)
	case withValue == 0:
		req.Kind = CommandQuery
	case accepted.Filter && !accepted.Switch:
		req.Kind = CommandFilter
	default:
		req.Kind = CommandSwitch
	}

	ok := (req.Kind == CommandSwitch && accepted.Switch) ||
		(req.Kind == CommandQuery && accepted.Query) ||
		(req.Kind == CommandFilter && accepted.Filter)
	if !ok {
		return Request{}, fmt.Errorf("%w: %s command not accepted here", ErrInvalidFilter, req.Kind)
	}
	return req, nil
}

// widen maps a 32-bit parsed value, including the special markers, onto the
// 64-bit kernel/grid id space.
func widen(v uint32) uint64 {
	switch v {
	case Wildcard:
		return Wildcard64
	case Current:
		return Current64
	case Invalid:
		return Invalid64
	}
	return uint64(v)
}
