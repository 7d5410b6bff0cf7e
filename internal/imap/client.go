// Package imap implements the authenticated protocol session for one
// mailbox account: connect, folder selection, UID search and message fetch
// with MIME parsing into the normalized cache record.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/lunamail/mailpool/internal/mailerr"
	"github.com/lunamail/mailpool/internal/parser"
	"github.com/lunamail/mailpool/internal/token"
	"github.com/lunamail/mailpool/pkg/models"
)

// ClientConfig configuration for an IMAP client
type ClientConfig struct {
	Email          string
	Password       string // only used when the account has no refresh token
	Addr           string // host:port
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Client is one authenticated IMAP session for one account. Commands on a
// single session are serialized by an internal mutex; concurrency across
// accounts comes from pooling multiple clients.
type Client struct {
	cfg     ClientConfig
	tokens  *token.Manager
	preview *parser.PreviewBuilder
	logger  *slog.Logger

	mu        sync.Mutex
	cl        *client.Client
	connected bool
	selected  string // currently selected folder, "" before first select
}

// NewClient creates a new IMAP client
func NewClient(cfg ClientConfig, tokens *token.Manager, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		preview: parser.NewPreviewBuilder(),
		logger:  logger.With("email", cfg.Email),
	}
}

// Connect opens a TLS session and authenticates, preferring XOAUTH2 with a
// freshly ensured access token and falling back to plain LOGIN for accounts
// that only carry a password.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.logger.Info("connecting to IMAP server", "server", c.cfg.Addr)

	timeout := c.cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.cfg.Addr, nil)
	if err != nil {
		return mailerr.Connection("dial", err)
	}

	cl, err := client.New(conn)
	if err != nil {
		conn.Close()
		return mailerr.Connection("greeting", err)
	}
	cl.Timeout = c.cfg.CommandTimeout

	if err := c.authenticate(ctx, cl); err != nil {
		cl.Logout()
		return err
	}

	c.cl = cl
	c.connected = true
	c.selected = ""
	c.logger.Info("connected to IMAP server")

	return nil
}

func (c *Client) authenticate(ctx context.Context, cl *client.Client) error {
	if c.tokens != nil {
		access, err := c.tokens.EnsureValid(ctx)
		if err != nil {
			return err
		}
		if err := cl.Authenticate(NewXOAuth2Client(c.cfg.Email, access)); err != nil {
			return mailerr.Auth(c.cfg.Email, fmt.Errorf("xoauth2 rejected: %w", err))
		}
		return nil
	}

	if err := cl.Login(c.cfg.Email, c.cfg.Password); err != nil {
		return mailerr.Auth(c.cfg.Email, fmt.Errorf("login rejected: %w", err))
	}
	return nil
}

// SelectFolder selects a folder read-only, skipping the round trip when it
// is already the selected one.
func (c *Client) SelectFolder(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx); err != nil {
		return err
	}
	if c.selected == folder {
		return nil
	}

	if _, err := c.cl.Select(folder, true); err != nil {
		return c.fail("select", err)
	}
	c.selected = folder
	return nil
}

// SearchSince returns UIDs strictly greater than uid in ascending order.
func (c *Client) SearchSince(ctx context.Context, uid uint32) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	criteria := goimap.NewSearchCriteria()
	seqSet := new(goimap.SeqSet)
	seqSet.AddRange(uid+1, 0) // 0 means * (all)
	criteria.Uid = seqSet

	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, c.fail("uid search", err)
	}

	// A range of n+1:* still matches the highest UID when it is <= n, so
	// filter to the strict bound the caller asked for.
	out := uids[:0]
	for _, u := range uids {
		if u > uid {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SearchRecent returns the n highest UIDs in the folder, newest first.
func (c *Client) SearchRecent(ctx context.Context, n int) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	uids, err := c.cl.UidSearch(goimap.NewSearchCriteria())
	if err != nil {
		return nil, c.fail("uid search", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > n {
		uids = uids[:n]
	}
	return uids, nil
}

// Fetch retrieves one message and parses it into the normalized record.
// Connection-level failures come back as connection errors and poison the
// session; a malformed message is a parse error the caller may skip.
func (c *Client) Fetch(ctx context.Context, uid uint32) (*models.FetchedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchUid, section.FetchItem()}

	messages := make(chan *goimap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seqSet, items, messages)
	}()

	var msg *goimap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, c.fail("uid fetch", err)
	}
	if msg == nil {
		return nil, &mailerr.ParseError{UID: uid, Err: fmt.Errorf("server returned no data")}
	}

	return c.parseMessage(msg, section)
}

// parseMessage normalizes an IMAP message: headers with MIME encoded-words
// decoded, sender split into name and address, and for multipart bodies
// HTML preferred over plain text with a bounded preview.
func (c *Client) parseMessage(msg *goimap.Message, section *goimap.BodySectionName) (*models.FetchedMessage, error) {
	fetched := &models.FetchedMessage{UID: msg.Uid}

	var bodyHTML, bodyText string

	if bodyReader := msg.GetBody(section); bodyReader != nil {
		mr, err := mail.CreateReader(bodyReader)
		if err != nil {
			return nil, &mailerr.ParseError{UID: msg.Uid, Err: err}
		}

		if subject, err := mr.Header.Subject(); err == nil {
			fetched.Subject = subject
		}
		if date, err := mr.Header.Date(); err == nil {
			fetched.Date = date
		}
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			fetched.Sender = models.Address{Name: from[0].Name, Address: from[0].Address}
		}
		if to, err := mr.Header.AddressList("To"); err == nil {
			for _, a := range to {
				fetched.To = append(fetched.To, models.Address{Name: a.Name, Address: a.Address})
			}
		}

		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				c.logger.Warn("failed to read body part", "uid", msg.Uid, "error", err)
				break
			}

			h, ok := part.Header.(*mail.InlineHeader)
			if !ok {
				continue
			}
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}

			switch {
			case strings.HasPrefix(ct, "text/html") && bodyHTML == "":
				bodyHTML = string(body)
			case strings.HasPrefix(ct, "text/plain") && bodyText == "":
				bodyText = string(body)
			}
		}
	}

	c.fillFromEnvelope(fetched, msg.Envelope)

	switch {
	case bodyHTML != "":
		fetched.BodyContent = bodyHTML
		fetched.BodyType = models.BodyTypeHTML
		fetched.BodyPreview = c.preview.FromHTML(bodyHTML)
	case bodyText != "":
		fetched.BodyContent = bodyText
		fetched.BodyType = models.BodyTypeText
		fetched.BodyPreview = c.preview.FromText(bodyText)
	default:
		fetched.BodyContent = parser.Placeholder
		fetched.BodyType = models.BodyTypeText
		fetched.BodyPreview = parser.Placeholder
	}

	return fetched, nil
}

// fillFromEnvelope backfills header fields the body section didn't yield.
func (c *Client) fillFromEnvelope(fetched *models.FetchedMessage, env *goimap.Envelope) {
	if env == nil {
		return
	}
	if fetched.Subject == "" {
		fetched.Subject = decodeWords(env.Subject)
	}
	if fetched.Date.IsZero() {
		fetched.Date = env.Date
	}
	if fetched.Sender.Address == "" && len(env.From) > 0 {
		from := env.From[0]
		fetched.Sender = models.Address{
			Name:    decodeWords(from.PersonalName),
			Address: from.Address(),
		}
	}
	if len(fetched.To) == 0 {
		for _, a := range env.To {
			fetched.To = append(fetched.To, models.Address{
				Name:    decodeWords(a.PersonalName),
				Address: a.Address(),
			})
		}
	}
}

func decodeWords(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// ready validates the context and session state before a command.
func (c *Client) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mailerr.Connection("context", err)
	}
	if !c.connected || c.cl == nil {
		return mailerr.Connection("command", fmt.Errorf("not connected"))
	}
	return nil
}

// fail marks the session dead and wraps err as a connection error.
func (c *Client) fail(op string, err error) error {
	c.connected = false
	return mailerr.Connection(op, err)
}

// Close shuts the session down. A clean LOGOUT is only attempted when the
// session reached a selected state; otherwise the connection is dropped.
// Close never returns an error.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cl == nil {
		return
	}
	if c.selected != "" && c.connected {
		_ = c.cl.Logout()
	} else {
		_ = c.cl.Terminate()
	}
	c.cl = nil
	c.connected = false
	c.selected = ""
}
