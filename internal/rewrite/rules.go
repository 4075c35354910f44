package rewrite

import (
	"net/http"
	"strings"
)

// Path strips then prepends a path prefix.
type Path struct {
	StripPrefix string
	AddPrefix   string
}

func (p Path) IsZero() bool { return p.StripPrefix == "" && p.AddPrefix == "" }

// Apply returns the rewritten path. A strip prefix only applies on a
// segment boundary, so "/api" strips "/api/x" but leaves "/apiary" alone.
func (p Path) Apply(path string) string {
	if sp := strings.TrimSuffix(p.StripPrefix, "/"); sp != "" && strings.HasPrefix(path, sp) {
		rest := path[len(sp):]
		if rest == "" || rest[0] == '/' {
			path = rest
		}
	}
	switch {
	case p.AddPrefix != "" && path == "":
		return p.AddPrefix
	case p.AddPrefix != "":
		return JoinSlash(p.AddPrefix, path)
	case path == "":
		return "/"
	}
	return path
}

// Rules is the full rewrite configuration of a route.
type Rules struct {
	Request  Headers
	Response Headers
	Path     Path
}

func (r *Rules) ApplyRequest(h http.Header) {
	if r == nil {
		return
	}
	r.Request.Apply(h)
}

func (r *Rules) ApplyResponse(h http.Header) {
	if r == nil {
		return
	}
	r.Response.Apply(h)
}

func (r *Rules) RewritePath(path string) string {
	if r == nil || r.Path.IsZero() {
		return path
	}
	return r.Path.Apply(path)
}

func JoinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
