//go:build darwin

package platform

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// redirEntryPattern matches one line of `pfctl -s state` output for a
// redirected (rdr) TCP connection:
//
//	10.0.0.1[443] <- 10.0.0.2[8080] <- 203.0.113.9[54321]
//
// i.e. self[self_port] <- target[target_port] <- peer[peer_port],
// where the middle pair is the original destination before pf
// rewrote it.
var redirEntryPattern = regexp.MustCompile(`([0-9a-fA-F:.]+)\[(\d+)\]\s+<-\s+([0-9a-fA-F:.]+)\[(\d+)\]\s+<-\s+([0-9a-fA-F:.]+)\[(\d+)\]`)

// RedirectTarget is the address a connection was originally addressed
// to before a pf redirect (rdr) rule rewrote its destination.
type RedirectTarget struct {
	Host string
	Port int
}

// LookupRedirectTarget shells out to `pfctl -s state` and finds the
// state table entry whose local side matches localIP:localPort and
// whose remote side matches peerIP:peerPort, returning the
// destination pf rewrote it to. Both pairs must match: a busy pf
// state table can hold several rows sharing just the peer address
// (e.g. repeated connections from the same client to different local
// ports), and matching on the peer alone would pick the wrong row. It
// is macOS-only: pf's state table format and the rdr redirect model
// do not exist on Linux, which proxies by having the backing service
// bind the allocated port directly instead.
func LookupRedirectTarget(localIP string, localPort int, peerIP string, peerPort int) (RedirectTarget, error) {
	out, err := exec.Command("sudo", "pfctl", "-s", "state").Output()
	if err != nil {
		return RedirectTarget{}, fmt.Errorf("platform: pfctl -s state: %w", err)
	}

	local := fmt.Sprintf("%s:%d", localIP, localPort)
	peer := fmt.Sprintf("%s:%d", peerIP, peerPort)
	for _, match := range redirEntryPattern.FindAllStringSubmatch(string(out), -1) {
		self := fmt.Sprintf("%s:%s", match[1], match[2])
		if self != local {
			continue
		}
		src := fmt.Sprintf("%s:%s", match[5], match[6])
		if src != peer {
			continue
		}
		port, err := strconv.Atoi(match[4])
		if err != nil {
			continue
		}
		return RedirectTarget{Host: match[3], Port: port}, nil
	}

	return RedirectTarget{}, fmt.Errorf("platform: no pf state entry for local %s peer %s", local, peer)
}
