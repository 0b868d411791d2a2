package auth

import (
	"errors"
	"strconv"
	"strings"
)

const headerVersion = "hawk.1.header"

// ErrInvalidTarget is returned by ResolveTarget when host or port cannot be
// determined from the request.
var ErrInvalidTarget = errors.New("invalid request target")

// CanonicalRequest carries the fields covered by the MAC.
//
// Timestamp and Hash are the attribute strings as sent by the client.
type CanonicalRequest struct {
	Timestamp string
	Nonce     string
	Method    string
	Resource  string
	Host      string
	Port      string
	Hash      string
	Ext       string
	App       string
	Dlg       string
}

// String renders the newline-terminated canonical string. Empty fields stay
// as empty lines. The method is uppercased and the host lowercased; the
// resource is used verbatim.
func (c CanonicalRequest) String() string {
	var b strings.Builder
	b.Grow(len(headerVersion) + len(c.Timestamp) + len(c.Nonce) + len(c.Resource) + len(c.Host) + len(c.Ext) + 64)

	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	line(headerVersion)
	line(c.Timestamp)
	line(c.Nonce)
	line(strings.ToUpper(c.Method))
	line(c.Resource)
	line(strings.ToLower(c.Host))
	line(c.Port)
	line(c.Hash)
	line(escapeExt(c.Ext))
	if c.App != "" {
		line(c.App)
		line(c.Dlg)
	}
	return b.String()
}

func escapeExt(ext string) string {
	if !strings.ContainsAny(ext, "\\\n") {
		return ext
	}
	ext = strings.ReplaceAll(ext, `\`, `\\`)
	return strings.ReplaceAll(ext, "\n", `\n`)
}

// Target is the part of the request location that is signed.
type Target struct {
	Resource string
	Host     string
	Port     string
}

// ResolveTarget extracts resource, host and port from the request URI as it
// appeared on the wire and from the Host header.
//
// uri may be origin-form ("/a?b") or absolute-form ("https://h:1/a?b"). The
// path and query are kept byte for byte; only the fragment is dropped. The
// Host header wins over the URI authority. Without an explicit port the
// scheme's default applies: 443 for https and wss, 80 otherwise.
func ResolveTarget(uri, hostHeader, scheme string) (Target, error) {
	var authority string
	resource := uri

	if idx := strings.Index(uri, "://"); idx > 0 && !strings.HasPrefix(uri, "/") {
		if scheme == "" {
			scheme = uri[:idx]
		}
		rest := uri[idx+3:]
		if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
			authority, resource = rest[:cut], rest[cut:]
		} else {
			authority, resource = rest, ""
		}
		if at := strings.LastIndexByte(authority, '@'); at >= 0 {
			authority = authority[at+1:]
		}
	}

	if cut := strings.IndexByte(resource, '#'); cut >= 0 {
		resource = resource[:cut]
	}
	if resource == "" || resource[0] == '?' {
		resource = "/" + resource
	}

	hostport := strings.TrimSpace(hostHeader)
	if hostport == "" {
		hostport = authority
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return Target{}, err
	}
	if port == "" {
		port = defaultPort(scheme)
	}
	return Target{Resource: resource, Host: host, Port: port}, nil
}

// splitHostPort keeps IPv6 brackets in the host, the way Hawk clients sign it.
func splitHostPort(hostport string) (string, string, error) {
	if hostport == "" {
		return "", "", errors.Join(ErrInvalidTarget, errors.New("missing host"))
	}

	host, rest := hostport, ""
	if hostport[0] == '[' {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", errors.Join(ErrInvalidTarget, errors.New("unterminated IPv6 literal"))
		}
		host, rest = hostport[:end+1], hostport[end+1:]
	} else if i := strings.IndexByte(hostport, ':'); i >= 0 {
		host, rest = hostport[:i], hostport[i:]
	}
	if host == "" || host == "[]" {
		return "", "", errors.Join(ErrInvalidTarget, errors.New("missing host"))
	}
	if rest == "" {
		return host, "", nil
	}
	if rest[0] != ':' {
		return "", "", errors.Join(ErrInvalidTarget, errors.New("unexpected characters after host"))
	}
	port := rest[1:]
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 || strings.HasPrefix(port, "+") {
		return "", "", errors.Join(ErrInvalidTarget, errors.New("invalid port"))
	}
	return host, port, nil
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "443"
	}
	return "80"
}
