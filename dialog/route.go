package dialog

import (
	"slices"
	"strings"

	"github.com/emiago/sipgo/sip"
)

type headerSource interface {
	GetHeaders(name string) []sip.Header
}

// routeSetFromRecordRoute builds the route set from the Record-Route headers of msg.
// The UAC reverses the list, the UAS keeps the order of the request.
func routeSetFromRecordRoute(msg headerSource, reverse bool) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for _, v := range splitAddrList(h.Value()) {
			var u sip.Uri
			if err := sip.ParseUri(stripAngles(v), &u); err != nil {
				continue
			}
			routes = append(routes, u)
		}
	}
	if reverse {
		slices.Reverse(routes)
	}
	return routes
}

// splitAddrList splits a comma separated list of name-addr values,
// ignoring commas inside angle brackets and quotes.
func splitAddrList(s string) []string {
	var (
		out            []string
		start          int
		inAngle, inQuo bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuo = !inQuo
		case '<':
			if !inQuo {
				inAngle = true
			}
		case '>':
			if !inQuo {
				inAngle = false
			}
		case ',':
			if !inAngle && !inQuo {
				if v := strings.TrimSpace(s[start:i]); v != "" {
					out = append(out, v)
				}
				start = i + 1
			}
		}
	}
	if v := strings.TrimSpace(s[start:]); v != "" {
		out = append(out, v)
	}
	return out
}

func stripAngles(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return s[i+1 : i+j]
		}
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		return s[:i]
	}
	return s
}

func isLooseRoute(u sip.Uri) bool {
	if u.UriParams == nil {
		return false
	}
	_, ok := u.UriParams.Get("lr")
	return ok
}
