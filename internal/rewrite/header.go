package rewrite

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

type Action int

const (
	Remove Action = iota
	RemoveByPrefix
	Empty
	Add
	Set
)

var (
	headerNameRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	headerLineRe = regexp.MustCompile(`^([A-Za-z0-9-]+)(:=|:)\s*(.*)$`)
)

// Header is a single header rule applied to a request or response.
type Header struct {
	Name   string
	Action Action
	Value  string
}

// ParseHeader supports the following syntax:
//
//	"<name>: <value>"   add a value
//	"<name>:= <value>"  replace all values
//	"<name>;"           set to empty
//	"-<name>"           remove
//	"-<prefix>*"        remove every header with the prefix
func ParseHeader(s string) (Header, error) {
	s = strings.TrimSpace(s)
	var h Header

	switch {
	case strings.HasPrefix(s, "-") && strings.HasSuffix(s, "*"):
		h.Name, h.Action = s[1:len(s)-1], RemoveByPrefix
	case strings.HasPrefix(s, "-"):
		h.Name, h.Action = s[1:], Remove
	case strings.HasSuffix(s, ";"):
		h.Name, h.Action = s[:len(s)-1], Empty
	default:
		m := headerLineRe.FindStringSubmatch(s)
		if m == nil {
			return Header{}, fmt.Errorf("header %q: invalid rule", s)
		}
		h.Name, h.Value = m[1], m[3]
		h.Action = Add
		if m[2] == ":=" {
			h.Action = Set
		}
	}

	if !headerNameRe.MatchString(h.Name) {
		return Header{}, fmt.Errorf("header %q: invalid name", s)
	}
	h.Name = http.CanonicalHeaderKey(h.Name)
	return h, nil
}

func (h Header) Apply(hh http.Header) {
	switch h.Action {
	case Remove:
		hh.Del(h.Name)
	case RemoveByPrefix:
		for k := range hh {
			if len(k) >= len(h.Name) && strings.EqualFold(k[:len(h.Name)], h.Name) {
				delete(hh, k)
			}
		}
	case Empty:
		hh.Set(h.Name, "")
	case Add:
		hh.Add(h.Name, h.Value)
	case Set:
		hh.Set(h.Name, h.Value)
	}
}

func (h Header) String() string {
	switch h.Action {
	case Remove:
		return "-" + h.Name
	case RemoveByPrefix:
		return "-" + h.Name + "*"
	case Empty:
		return h.Name + ";"
	case Add:
		return h.Name + ": " + h.Value
	case Set:
		return h.Name + ":= " + h.Value
	default:
		return ""
	}
}

// Headers applies rules in declaration order.
type Headers []Header

func ParseHeaders(ss []string) (Headers, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make(Headers, 0, len(ss))
	var errs []error
	for i, s := range ss {
		h, err := ParseHeader(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("[%d]: %w", i, err))
			continue
		}
		out = append(out, h)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (hs Headers) Apply(hh http.Header) {
	for _, h := range hs {
		h.Apply(hh)
	}
}
