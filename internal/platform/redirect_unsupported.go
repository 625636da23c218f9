//go:build !darwin

package platform

import "fmt"

// RedirectTarget is the address a connection was originally addressed
// to before a transparent redirect rewrote its destination.
type RedirectTarget struct {
	Host string
	Port int
}

// LookupRedirectTarget is only meaningful on macOS, where pf's rdr
// rules rewrite the destination of a transparently-redirected
// connection and pfctl's state table is the only way to recover the
// original target. Elsewhere the proxy always dials a known public
// port, so this path is never exercised; it exists so callers can be
// platform-generic.
func LookupRedirectTarget(localIP string, localPort int, peerIP string, peerPort int) (RedirectTarget, error) {
	return RedirectTarget{}, fmt.Errorf("platform: redirect target lookup is only supported on darwin")
}
