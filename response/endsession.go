package response

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/protocol"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/validation"
)

// EndSessionResult tells the host where to send the user after logout.
type EndSessionResult struct {
	// RedirectURL is the post logout redirect URI with state, or empty when
	// the host should show its own signed-out page.
	RedirectURL string

	ClientID string

	// NotifiedClients received a back-channel logout token.
	NotifiedClients []string
}

// EndSessionResponseGenerator completes RP-initiated logout.
type EndSessionResponseGenerator struct {
	backChannel *BackChannelLogoutService
	auditor     *security.Auditor
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewEndSessionResponseGenerator creates an end-session generator.
// backChannel may be nil.
func NewEndSessionResponseGenerator(backChannel *BackChannelLogoutService, auditor *security.Auditor, logger *slog.Logger, inst *instrumentation.Instrumentation) *EndSessionResponseGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndSessionResponseGenerator{
		backChannel: backChannel,
		auditor:     auditor,
		logger:      logger,
		tracer:      inst.Tracer("response"),
	}
}

// Process notifies the signed-out user's clients and builds the redirect.
// The host is responsible for clearing its own session cookie.
func (g *EndSessionResponseGenerator) Process(ctx context.Context, req *validation.ValidatedEndSessionRequest) (result *EndSessionResult, err error) {
	ctx, span := instrumentation.StartSpan(ctx, g.tracer, "response.endsession")
	defer func() { instrumentation.EndSpan(span, err) }()

	result = &EndSessionResult{}
	if req.Client != nil {
		result.ClientID = req.Client.ClientID
	}

	if req.PostLogoutRedirectURI != "" {
		u, err := url.Parse(req.PostLogoutRedirectURI)
		if err != nil {
			return nil, fmt.Errorf("invalid post logout redirect uri: %w", err)
		}
		if req.State != "" {
			q := u.Query()
			q.Set(protocol.ParamState, req.State)
			u.RawQuery = q.Encode()
		}
		result.RedirectURL = u.String()
	}

	subjectID := ""
	if req.Subject.IsAuthenticated() {
		subjectID = req.Subject.Subject
	}

	if g.backChannel != nil && subjectID != "" {
		n := LogoutNotification{SubjectID: subjectID, SessionID: req.SessionID}
		if result.ClientID != "" {
			n.ClientIDs = []string{result.ClientID}
		}
		result.NotifiedClients, err = g.backChannel.SendLogoutNotifications(ctx, n)
		if err != nil {
			// Logout completes even when notifications cannot be dispatched.
			g.logger.Error("Failed to dispatch back-channel logout", "error", err)
			err = nil
		}
	}

	g.auditor.LogEvent(security.Event{
		Type:     security.EventEndSession,
		UserID:   subjectID,
		ClientID: result.ClientID,
		Details:  map[string]any{"session_id": req.SessionID, "notified_clients": len(result.NotifiedClients)},
	})
	return result, nil
}
