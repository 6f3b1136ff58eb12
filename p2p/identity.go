package p2p

import (
	"encoding/hex"
	"net"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// peerIDBytes is the number of digest bytes kept in a peer identifier.
const peerIDBytes = 16

// PeerID derives the deterministic identifier of a peer from its address and
// network. The identifier is not authenticated: anyone able to connect from
// ip:port on chainID obtains the same value.
func PeerID(ip string, port int, chainID string) string {
	normalized := normalizeIP(ip)
	input := net.JoinHostPort(normalized, strconv.Itoa(port)) + "|" + strings.TrimSpace(chainID)
	digest := blake3.Sum256([]byte(input))
	return hex.EncodeToString(digest[:peerIDBytes])
}

// normalizeIP renders IPv4-mapped IPv6 addresses in dotted form so that the
// same host always hashes to the same identifier.
func normalizeIP(ip string) string {
	trimmed := strings.TrimSpace(ip)
	parsed := net.ParseIP(trimmed)
	if parsed == nil {
		return trimmed
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}
