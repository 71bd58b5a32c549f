// Package pppengine is a sans-I/O implementation of PPP for embedded
// use: the caller owns the serial link, the timer, and the upstream
// IP stack, and drives the engine with byte-in/byte-out calls. See
// the internal/fsm, lcp, ipcp, pap, and hdlc packages for the
// component pieces this engine wires together.
package pppengine

import "errors"

// maxCredentialLen is the limit spec.md places on Config.Username and
// Config.Password.
const maxCredentialLen = 64

// ErrCredentialTooLong is returned by New if Username or Password
// exceed 64 bytes.
var ErrCredentialTooLong = errors.New("pppengine: username or password exceeds 64 bytes")

// Config configures a new Engine.
type Config struct {
	// Username and Password are the PAP credentials offered if the
	// peer's LCP Configure-Request asks us to authenticate via PAP.
	// Both must be 64 bytes or shorter.
	Username string
	Password string

	// RequestedIPv4 is the IPv4 address to ask the peer for in IPCP,
	// as a big-endian uint32. Zero asks the peer to assign one.
	RequestedIPv4 uint32

	// EnableDNS requests Primary/Secondary DNS server options in
	// IPCP (RFC 1877).
	EnableDNS bool

	// Logger receives diagnostic events. A nil Logger is equivalent
	// to NopLogger{}.
	Logger Logger

	// MagicSource supplies fresh non-zero LCP magic numbers. It must
	// be supplied by the caller: this core has no built-in entropy
	// source (sans-I/O, no OS integration).
	MagicSource func() uint32
}
