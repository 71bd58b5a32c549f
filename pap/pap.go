// Package pap implements the client side of the Password
// Authentication Protocol (RFC 1334): a small request/retry/ack state
// machine, distinct in shape from the Configure/Terminate automaton
// in internal/fsm (PAP has no option negotiation), but following the
// same restart-timer-and-counter discipline.
package pap

import "errors"

// Proto is the PPP protocol number for PAP.
const Proto = 0xc023

// Control packet codes (RFC 1334 §2).
const (
	CodeAuthenticateRequest = 1
	CodeAuthenticateAck     = 2
	CodeAuthenticateNak     = 3
)

// State is the client authentication state.
type State int

const (
	Idle State = iota
	Sending
	Authenticated
	Failed
)

// ErrCredentialsTooLong is returned by NewClient if username or
// password exceed the spec's 64-byte limit.
var ErrCredentialsTooLong = errors.New("pap: username or password exceeds 64 bytes")

// Client drives a PAP Authenticate-Request/Ack exchange.
type Client struct {
	username, password []byte

	restartMS    uint64
	maxAttempts  int
	attempt      int
	state        State
	lastSentID   uint8
	nextID       uint8
	failureErr   error
}

// NewClient returns a Client configured to authenticate with the
// given credentials, restransmitting every restartMS up to
// maxAttempts times (spec defaults: 3000ms, 10 attempts).
func NewClient(username, password string, restartMS uint64, maxAttempts int) (*Client, error) {
	if len(username) > 64 || len(password) > 64 {
		return nil, ErrCredentialsTooLong
	}
	return &Client{
		username:    []byte(username),
		password:    []byte(password),
		restartMS:   restartMS,
		maxAttempts: maxAttempts,
		nextID:      1, // spec §4.8: the first Authenticate-Request uses id=1
	}, nil
}

// State returns the client's current state.
func (c *Client) State() State { return c.state }

// RestartMS returns the configured retransmit interval.
func (c *Client) RestartMS() uint64 { return c.restartMS }

// FailureReason returns why authentication failed, once State() ==
// Failed.
func (c *Client) FailureReason() error { return c.failureErr }

// Body renders the Authenticate-Request body: peer-id length, peer-id,
// password length, password (RFC 1334 §2.1).
func (c *Client) Body(out []byte) (int, error) {
	need := 2 + len(c.username) + len(c.password)
	if need > len(out) {
		return 0, errors.New("pap: buffer too small")
	}
	out[0] = uint8(len(c.username))
	n := 1
	n += copy(out[n:], c.username)
	out[n] = uint8(len(c.password))
	n++
	n += copy(out[n:], c.password)
	return n, nil
}

// Start begins (or restarts) authentication: resets the attempt
// counter and returns the id to use for the first Authenticate-Request.
func (c *Client) Start() (id uint8, ok bool) {
	c.state = Sending
	c.attempt = 1
	c.lastSentID = c.nextID
	c.nextID++
	return c.lastSentID, true
}

// TimerExpired handles the PAP restart timer: retransmit with the
// same id (spec doesn't distinguish retransmit ids from RFC 1334's
// perspective, so this core reuses the same Authenticate-Request body
// and id per attempt, consistent with the "every 3s up to 10 attempts"
// wording) or give up if maxAttempts is exhausted.
func (c *Client) TimerExpired() (id uint8, retry bool) {
	if c.state != Sending {
		return 0, false
	}
	if c.attempt >= c.maxAttempts {
		c.state = Failed
		c.failureErr = errors.New("pap: authentication timed out")
		return 0, false
	}
	c.attempt++
	return c.lastSentID, true
}

// RecvAck handles an Authenticate-Ack. Acks with a stale id are
// ignored, matching the identifier discipline LCP/IPCP use.
func (c *Client) RecvAck(id uint8) bool {
	if c.state != Sending || id != c.lastSentID {
		return false
	}
	c.state = Authenticated
	return true
}

// RecvNak handles an Authenticate-Nak.
func (c *Client) RecvNak(id uint8) bool {
	if c.state != Sending || id != c.lastSentID {
		return false
	}
	c.state = Failed
	c.failureErr = errors.New("pap: peer rejected credentials")
	return true
}
