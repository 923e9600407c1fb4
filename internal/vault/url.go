package vault

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/agenthall/agenthall/internal/logging"
)

// ValidationError is a synchronous rejection of a provider payload field.
// It carries a human-readable reason and causes no state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateProviderURL admits a provider base URL. Only http(s) URLs whose
// host falls outside the loopback/private/link-local ranges pass. The
// deny-list can be disabled for local development by the process-start
// AllowLocalProviders flag; every bypass is logged. Malformed input fails
// closed.
func (v *Vault) ValidateProviderURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "baseUrl", Reason: "URL is empty"}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "baseUrl", Reason: "URL does not parse"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &ValidationError{Field: "baseUrl", Reason: fmt.Sprintf("scheme %q is not allowed, use http or https", parsed.Scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return &ValidationError{Field: "baseUrl", Reason: "URL has no host"}
	}

	reason := denyReason(host)
	if reason == "" {
		return nil
	}
	if v.rt.AllowLocalProviders {
		logging.Warn().
			Str("url", logging.Sanitize(raw)).
			Str("match", reason).
			Msg("allowing local provider URL: deny-list bypassed by configuration")
		return nil
	}
	return &ValidationError{Field: "baseUrl", Reason: fmt.Sprintf("host %q is %s and could reach internal network resources", host, reason)}
}

// denyReason reports why a hostname is on the deny-list, or "" if it is
// not. The list is fixed: loopback, RFC 1918 and ULA private ranges,
// link-local, and the 0.0.0.0/8 block.
func denyReason(host string) string {
	lowered := strings.ToLower(host)
	if lowered == "localhost" || strings.HasSuffix(lowered, ".localhost") {
		return "localhost"
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Dialers accept IPv4 literals ParseIP does not: plain integers
		// (2130706433), hex (0x7f000001), octal, and dotted mixes of
		// those. All of them can alias a denied address, so any host made
		// entirely of numeric labels is rejected. Names that only resolve
		// to internal addresses via DNS are out of scope here.
		if numericHost(lowered) {
			return "an IP literal in a non-canonical form"
		}
		return ""
	}

	switch {
	case ip.IsLoopback():
		return "a loopback address"
	case ip.IsPrivate():
		return "a private-range address"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "a link-local address"
	case ip.IsUnspecified():
		return "the unspecified address"
	}
	if v4 := ip.To4(); v4 != nil && v4[0] == 0 {
		return "in the 0.0.0.0/8 block"
	}
	return ""
}

// numericHost reports whether every dot-separated label of the host is a
// decimal, octal, or hex integer.
func numericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if _, err := strconv.ParseUint(label, 0, 64); err != nil {
			return false
		}
	}
	return true
}
