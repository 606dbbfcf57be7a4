package ledger

import (
	"strings"

	"github.com/medlink/medsync"
)

// Default IPFS gateways.
const (
	DefaultGateway         = "https://gateway.pinata.cloud/ipfs/"
	DefaultFallbackGateway = "https://ipfs.io/ipfs/"
)

// Gateways builds retrieval URLs for content hashes.
type Gateways struct {
	Primary  string
	Fallback string
}

// DefaultGateways returns the pinata gateway with ipfs.io as fallback.
func DefaultGateways() Gateways {
	return Gateways{Primary: DefaultGateway, Fallback: DefaultFallbackGateway}
}

// CleanHash strips an ipfs:// scheme and surrounding space from hash.
func CleanHash(hash string) string {
	return medsync.CleanIPFSHash(hash)
}

// GatewayURL returns the preferred URL for hash, or "" for an empty hash.
func (g Gateways) GatewayURL(hash string) string {
	return join(g.Primary, DefaultGateway, hash)
}

// FallbackURL returns the secondary URL for hash, or "" for an empty hash.
func (g Gateways) FallbackURL(hash string) string {
	return join(g.Fallback, DefaultFallbackGateway, hash)
}

func join(base, def, hash string) string {
	hash = CleanHash(hash)
	if hash == "" {
		return ""
	}
	if base == "" {
		base = def
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + hash
}
