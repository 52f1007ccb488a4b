package node

import (
	"net"
	"strings"

	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// referenceNode picks the peer asked for key's snapshot: the configured
// coordinator, else the ring owner of the key other than this node.
func (n *Node) referenceNode(key datasync.Key) (string, bool) {
	if n.coordinator != "" && n.coordinator != n.id {
		return n.coordinator, true
	}
	return n.ring.Owner([]byte(key), n.id)
}
