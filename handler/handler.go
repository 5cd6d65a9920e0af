package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"convo-bridge/internal/dedup"
	"convo-bridge/internal/domain"
	"convo-bridge/internal/usecase"
)

const (
	DefaultTakeoverPhrase   = "I'll take this, thanks."
	DefaultActivationPhrase = "Sofia will jump in"

	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Hub-Signature"
	workspaceHeader   = "X-Workspace-Id"
	workspaceQuery    = "workspace"

	maxBodyBytes = 1 << 20
)

// Webhook statuses returned in the response body.
const (
	StatusPong          = "pong"
	StatusDuplicate     = "duplicate_skipped"
	StatusIgnored       = "ignored"
	StatusBotSkipped    = "bot_message_skipped"
	StatusProcessing    = "processing"
	StatusAcknowledged  = "acknowledged"
	StatusTakeover      = "human_takeover"
	StatusReactivated   = "ai_reactivated"
	StatusAdminIgnored  = "admin_message_ignored"
	StatusNoUserMessage = "no_user_message"
	StatusEmergencyStop = "emergency_stop"
)

// Inbound receives normalized user messages, typically the batcher.
type Inbound interface {
	OnInbound(ev domain.InboundEvent)
}

// Takeover applies admin takeover and reactivation signals.
type Takeover interface {
	MarkAdminTakeover(ctx context.Context, conversationID, adminID string) bool
	Reactivate(ctx context.Context, conversationID string) bool
}

// Identity tells the bot's own admin apart from human admins.
type Identity interface {
	DefaultWorkspace() string
	IsOwnAdmin(workspaceID, adminID string) bool
}

type StopSwitch interface {
	Active() bool
}

// Config holds per-workspace client secrets and the control phrases.
type Config struct {
	ClientSecrets    map[string]string
	TakeoverPhrase   string
	ActivationPhrase string
}

// Webhook verifies, deduplicates and routes platform notifications. It serves
// both API Gateway events and plain HTTP.
type Webhook struct {
	cfg      Config
	inbound  Inbound
	takeover Takeover
	identity Identity
	dedup    dedup.Deduper
	stop     StopSwitch
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Webhook)

// WithDeduper replaces the default in-memory deduper.
func WithDeduper(d dedup.Deduper) Option {
	return func(w *Webhook) {
		if d != nil {
			w.dedup = d
		}
	}
}

// WithStopSwitch makes every notification a no-op while s is active.
func WithStopSwitch(s StopSwitch) Option {
	return func(w *Webhook) { w.stop = s }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Webhook) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWebhook wires a Webhook. inbound, takeover and identity are required.
func NewWebhook(cfg Config, inbound Inbound, takeover Takeover, identity Identity, opts ...Option) (*Webhook, error) {
	if inbound == nil {
		return nil, errors.New("handler: inbound must not be nil")
	}
	if takeover == nil {
		return nil, errors.New("handler: takeover must not be nil")
	}
	if identity == nil {
		return nil, errors.New("handler: identity must not be nil")
	}
	if strings.TrimSpace(cfg.TakeoverPhrase) == "" {
		cfg.TakeoverPhrase = DefaultTakeoverPhrase
	}
	if strings.TrimSpace(cfg.ActivationPhrase) == "" {
		cfg.ActivationPhrase = DefaultActivationPhrase
	}
	w := &Webhook{
		cfg:      cfg,
		inbound:  inbound,
		takeover: takeover,
		identity: identity,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.dedup == nil {
		mem, err := dedup.NewMemory(dedup.DefaultCapacity)
		if err != nil {
			return nil, err
		}
		w.dedup = mem
	}
	return w, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type author struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type part struct {
	ID        string  `json:"id"`
	PartType  string  `json:"part_type"`
	Body      string  `json:"body"`
	CreatedAt int64   `json:"created_at"`
	Author    *author `json:"author"`
}

type item struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Author            *author `json:"author"`
	Source            *part   `json:"source"`
	ConversationPart  *part   `json:"conversation_part"`
	ConversationParts struct {
		Parts []part `json:"conversation_parts"`
	} `json:"conversation_parts"`
}

type notification struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
	AppID string `json:"app_id"`
	Data  struct {
		Item item `json:"item"`
	} `json:"data"`
}

type request struct {
	method string
	header func(string) string
	query  func(string) string
	body   []byte
}

type reply struct {
	status int
	body   any
}

// Handle is the API Gateway entry point.
func (w *Webhook) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return w.lambdaResponse(reply{status: http.StatusBadRequest, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_base64_body"}}, correlationID), nil
		}
		body = decoded
	}
	rep := w.process(ctx, request{
		method: event.HTTPMethod,
		header: func(k string) string { return headerValue(event.Headers, k) },
		query:  func(k string) string { return event.QueryStringParameters[k] },
		body:   body,
	}, correlationID)
	return w.lambdaResponse(rep, correlationID), nil
}

// ServeHTTP serves the same webhook for the long-running server.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(rw, reply{status: http.StatusBadRequest, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unreadable_body"}}, correlationID)
		return
	}
	rep := w.process(r.Context(), request{
		method: r.Method,
		header: r.Header.Get,
		query:  r.URL.Query().Get,
		body:   body,
	}, correlationID)
	writeJSON(rw, rep, correlationID)
}

func (w *Webhook) process(ctx context.Context, req request, correlationID string) reply {
	log := w.log.With("correlation_id", correlationID)

	switch req.method {
	case http.MethodHead:
		return reply{status: http.StatusOK}
	case http.MethodPost:
	default:
		return reply{status: http.StatusMethodNotAllowed, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}}
	}

	if w.stop != nil && w.stop.Active() {
		log.Error("handler: emergency stop active, rejecting webhook")
		return reply{status: http.StatusServiceUnavailable, body: statusResponse{Status: StatusEmergencyStop}}
	}

	workspaceID := strings.TrimSpace(req.header(workspaceHeader))
	if workspaceID == "" {
		workspaceID = strings.TrimSpace(req.query(workspaceQuery))
	}
	if workspaceID == "" {
		workspaceID = w.identity.DefaultWorkspace()
	}
	log = log.With("workspace_id", workspaceID)

	secret := w.cfg.ClientSecrets[workspaceID]
	if secret == "" {
		log.Warn("handler: no client secret configured, skipping signature verification")
	} else if !validSignature(req.body, req.header(signatureHeader), secret) {
		log.Error("handler: invalid webhook signature")
		return reply{status: http.StatusUnauthorized, body: errorResponse{Error: string(usecase.ErrorPermissionDenied), Reason: "invalid_signature"}}
	}

	var n notification
	if err := json.Unmarshal(req.body, &n); err != nil {
		log.Error("handler: malformed webhook body", "err", err)
		return reply{status: http.StatusBadRequest, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"}}
	}

	if n.Topic == "ping" {
		log.Info("handler: ping received")
		return ok(StatusPong)
	}

	if n.ID != "" {
		seen, err := w.dedup.Seen(ctx, n.ID)
		if err != nil {
			log.Warn("handler: dedup lookup failed", "notification_id", n.ID, "err", err)
		}
		if seen {
			log.Info("handler: duplicate webhook skipped", "notification_id", n.ID)
			return ok(StatusDuplicate)
		}
	}

	if n.Type != "notification_event" {
		log.Warn("handler: unknown event type", "type", n.Type)
		return ok(StatusIgnored)
	}

	it := n.Data.Item
	convID := strings.TrimSpace(it.ID)
	log = log.With("conversation_id", convID, "topic", n.Topic)
	if convID == "" {
		log.Error("handler: notification without conversation id")
		return reply{status: http.StatusBadRequest, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_conversation_id"}}
	}

	switch {
	case n.Topic == "conversation.user.created":
		if w.fromBot(workspaceID, it) {
			log.Info("handler: conversation created by bot, skipping")
			return ok(StatusBotSkipped)
		}
		return w.enqueue(log, workspaceID, n, req.body)
	case n.Topic == "conversation.user.replied":
		return w.enqueue(log, workspaceID, n, req.body)
	case n.Topic == "conversation.admin.closed":
		log.Info("handler: conversation closed")
		return ok(StatusAcknowledged)
	}

	p := latestPart(it)
	if p == nil || p.PartType != "comment" {
		return ok(StatusIgnored)
	}
	if p.Author == nil || p.Author.Type != domain.AuthorAdmin {
		return w.enqueue(log, workspaceID, n, req.body)
	}

	adminID := p.Author.ID
	if w.identity.IsOwnAdmin(workspaceID, adminID) {
		log.Info("handler: own bot message skipped")
		return ok(StatusBotSkipped)
	}
	body := strings.ToLower(html.UnescapeString(p.Body))
	if strings.Contains(body, strings.ToLower(w.cfg.TakeoverPhrase)) {
		w.takeover.MarkAdminTakeover(ctx, convID, adminID)
		log.Info("handler: human admin took over", "admin_id", adminID)
		return ok(StatusTakeover)
	}
	if strings.Contains(body, strings.ToLower(w.cfg.ActivationPhrase)) {
		reactivated := w.takeover.Reactivate(ctx, convID)
		log.Info("handler: AI reactivated", "admin_id", adminID, "was_taken_over", reactivated)
		return ok(StatusReactivated)
	}
	// Human admin chatter is not a user reply and must not trigger a turn.
	log.Info("handler: human admin message ignored", "admin_id", adminID)
	return ok(StatusAdminIgnored)
}

func (w *Webhook) enqueue(log *slog.Logger, workspaceID string, n notification, raw []byte) reply {
	p := latestUserPart(n.Data.Item)
	if p == nil {
		log.Warn("handler: no user message in notification")
		return ok(StatusNoUserMessage)
	}
	text := usecase.CleanMarkup(p.Body)
	if text == "" {
		log.Info("handler: user message has no text")
		return ok(StatusNoUserMessage)
	}
	msgID := p.ID
	if msgID == "" {
		msgID = n.ID
	}
	w.inbound.OnInbound(domain.InboundEvent{
		ConversationID: n.Data.Item.ID,
		WorkspaceID:    workspaceID,
		MessageID:      msgID,
		Text:           text,
		Payload:        json.RawMessage(raw),
		ArrivalTime:    w.now(),
	})
	log.Info("handler: user message queued", "message_id", msgID)
	return ok(StatusProcessing)
}

// fromBot reports whether the item's author, or its last part's author, is
// the workspace's own admin.
func (w *Webhook) fromBot(workspaceID string, it item) bool {
	a := it.Author
	if a == nil {
		if parts := it.ConversationParts.Parts; len(parts) > 0 {
			a = parts[len(parts)-1].Author
		}
	}
	if a == nil && it.Source != nil {
		a = it.Source.Author
	}
	return a != nil && a.Type == domain.AuthorAdmin && w.identity.IsOwnAdmin(workspaceID, a.ID)
}

func latestPart(it item) *part {
	if it.ConversationPart != nil {
		return it.ConversationPart
	}
	if parts := it.ConversationParts.Parts; len(parts) > 0 {
		return &parts[len(parts)-1]
	}
	return nil
}

// latestUserPart returns the newest non-admin message with a body.
func latestUserPart(it item) *part {
	if p := it.ConversationPart; p != nil && isUserPart(p) {
		return p
	}
	parts := it.ConversationParts.Parts
	for i := len(parts) - 1; i >= 0; i-- {
		if isUserPart(&parts[i]) {
			return &parts[i]
		}
	}
	if it.Source != nil && isUserPart(it.Source) {
		return it.Source
	}
	return nil
}

func isUserPart(p *part) bool {
	if strings.TrimSpace(p.Body) == "" {
		return false
	}
	return p.Author == nil || domain.IsUserAuthor(p.Author.Type)
}

// validSignature checks an "sha1=<hex>" HMAC of body in constant time.
func validSignature(body []byte, header, secret string) bool {
	sig, found := strings.CutPrefix(strings.TrimSpace(header), "sha1=")
	if !found || sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign returns the X-Hub-Signature value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func ok(status string) reply {
	return reply{status: http.StatusOK, body: statusResponse{Status: status}}
}

func encode(rep reply) string {
	if rep.body == nil {
		return ""
	}
	raw, err := json.Marshal(rep.body)
	if err != nil {
		return `{"error":"INTERNAL_ERROR"}`
	}
	return string(raw)
}

func (w *Webhook) lambdaResponse(rep reply, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: rep.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: encode(rep),
	}
}

func writeJSON(rw http.ResponseWriter, rep reply, correlationID string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set(correlationHeader, correlationID)
	rw.WriteHeader(rep.status)
	if body := encode(rep); body != "" {
		_, _ = io.WriteString(rw, body)
	}
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
