package imap

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Office 365 for OAuth2 bearer authentication over IMAP.
type xoauth2Client struct {
	username string
	token    string
	failed   bool
}

// NewXOAuth2Client returns a sasl.Client performing XOAUTH2 with the given
// access token.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// On failure the server sends a base64 JSON blob as a challenge; the
	// client must answer with an empty response to receive the tagged NO.
	if c.failed {
		return nil, fmt.Errorf("xoauth2: unexpected server challenge")
	}
	c.failed = true
	return []byte{}, nil
}
