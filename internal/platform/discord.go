// ABOUTME: Discord REST client used for proof of control and membership checks
// ABOUTME: Every error surfaced from here has credentials scrubbed

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
)

// ErrNotConfigured is returned by membership checks when no controller token is set.
var ErrNotConfigured = errors.New("platform membership token not configured")

// BotIdentity is what the platform reports for an authenticated bot credential.
type BotIdentity struct {
	ClientID   string
	BotUserID  string
	DisplayTag string
}

// Client talks to the Discord REST API.
type Client struct {
	token   string
	timeout time.Duration
	logger  *slog.Logger

	newSession func(token string) (*discordgo.Session, error)
}

// NewClient creates a platform client. token is the controller's own bot
// token used for membership queries and may be empty if reconciliation is
// not used. timeout bounds every REST call.
func NewClient(token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Client{
		token:      token,
		timeout:    timeout,
		logger:     logger.With("component", "platform"),
		newSession: discordgo.New,
	}
}

func (c *Client) session(credential string) (*discordgo.Session, error) {
	s, err := c.newSession("Bot " + credential)
	if err != nil {
		return nil, errors.New("cannot build platform session")
	}
	s.Client = &http.Client{Timeout: c.timeout}
	s.MaxRestRetries = 0
	return s, nil
}

// VerifyBot performs an authenticated handshake with credential and reports
// which application and bot user it belongs to.
func (c *Client) VerifyBot(ctx context.Context, credential string) (*BotIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.session(credential)
	if err != nil {
		return nil, err
	}

	u, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, c.remoteError(err, "credential handshake failed", credential)
	}
	if !u.Bot {
		return nil, fault.Validation("credential does not belong to a bot account")
	}

	app, err := s.Application("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, c.remoteError(err, "application lookup failed", credential)
	}

	return &BotIdentity{
		ClientID:   app.ID,
		BotUserID:  u.ID,
		DisplayTag: u.String(),
	}, nil
}

// IsMember reports whether botUserID is currently a member of guildID.
// A definitive "unknown member" answer is (false, nil); anything else that
// is not a success is an error so callers can abort.
func (c *Client) IsMember(ctx context.Context, guildID, botUserID string) (bool, error) {
	if c.token == "" {
		return false, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.session(c.token)
	if err != nil {
		return false, err
	}

	_, err = s.GuildMember(guildID, botUserID, discordgo.WithContext(ctx))
	if err == nil {
		return true, nil
	}
	if isUnknownMember(err) {
		return false, nil
	}
	return false, c.remoteError(err, "membership query failed", c.token)
}

func (c *Client) remoteError(err error, reason, credential string) error {
	msg := fault.Redact(err.Error(), credential)
	c.logger.Warn(reason, "error", msg)
	return fault.Remote(errors.New(msg), "%s (%s)", reason, describeStatus(err))
}

func isUnknownMember(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil && (rest.Message.Code == discordgo.ErrCodeUnknownMember || rest.Message.Code == discordgo.ErrCodeUnknownUser) {
		return true
	}
	return false
}

func describeStatus(err error) string {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return fmt.Sprintf("status %d", rest.Response.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport error"
}
