// Package gateway is the WebSocket ingress: one connection per
// conversation, typed JSON frames in both directions, admission through the
// preprocessor into the scheduling queue.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gantry-ai/gantry/pkg/budget"
	"github.com/gantry-ai/gantry/pkg/logging"
	"github.com/gantry-ai/gantry/pkg/observe"
	"github.com/gantry-ai/gantry/pkg/scheduling"
	"github.com/gantry-ai/gantry/pkg/store"
	"github.com/gantry-ai/gantry/pkg/streaming"
)

// WSPattern is the ingress route. The conversation id is the client handle:
// a reconnect for the same conversation replaces the previous registration.
const WSPattern = "GET /ws/chat/{conversation_id}"

// defaultHistoryLimit caps a history frame's message count.
const defaultHistoryLimit = 50

// Inbound frame types.
const (
	inboundMessage = "message"
	inboundPing    = "ping"
	inboundHistory = "history"
	inboundClose   = "close"
)

// inboundFrame is one client-to-server frame.
type inboundFrame struct {
	Type        string   `json:"type"`
	Content     string   `json:"content,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Thinking    *bool    `json:"thinking,omitempty"`
	FileRefs    []string `json:"file_refs,omitempty"`
}

// Config carries the gateway's knobs.
type Config struct {
	// AllowedOrigins is passed to the WebSocket accept check. Empty means
	// same-origin only.
	AllowedOrigins []string
	// PingInterval is the keep-alive cadence. Zero defaults to 30s.
	PingInterval time.Duration
	// HistoryLimit caps history frames. Zero defaults to 50.
	HistoryLimit int
}

// Handler upgrades chat connections and feeds the admission queue.
type Handler struct {
	log        logging.Logger
	cfg        Config
	verifier   TokenVerifier
	queue      *scheduling.Queue
	pre        *Preprocessor
	mux        *streaming.Mux
	repo       store.Repository
	accountant *budget.Accountant
	// obs is optional; nil disables the instruments.
	obs *observe.Metrics
}

// NewHandler creates the ingress handler.
func NewHandler(
	log logging.Logger,
	cfg Config,
	verifier TokenVerifier,
	queue *scheduling.Queue,
	pre *Preprocessor,
	mux *streaming.Mux,
	repo store.Repository,
	accountant *budget.Accountant,
	obs *observe.Metrics,
) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Handler{
		log:        log,
		cfg:        cfg,
		verifier:   verifier,
		queue:      queue,
		pre:        pre,
		mux:        mux,
		repo:       repo,
		accountant: accountant,
		obs:        obs,
	}
}

// wsConn adapts a WebSocket connection to the multiplexer's Conn contract.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, frame streaming.Frame) error {
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeHTTP handles GET /ws/chat/{conversation_id}. The token is verified
// before the upgrade so rejected callers get a plain 401.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	identity, err := h.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	log := h.log.WithFields(map[string]interface{}{
		"conversation": conversationID,
		"user":         identity.UserID,
	})
	log.Info("client connected")

	h.mux.Register(conversationID, &wsConn{conn: conn})
	defer h.mux.Unregister(conversationID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.keepAlive(ctx, conn, cancel)

	h.readLoop(ctx, log, conn, conversationID, identity)
	log.Info("client disconnected")
}

// keepAlive pings until the connection or context dies.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, log logging.Logger, conn *websocket.Conn, conversationID string, identity Identity) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				log.WithError(err).Debug("read failed")
			}
			return
		}

		switch frame.Type {
		case inboundMessage:
			h.handleMessage(ctx, log, conversationID, identity, frame)
		case inboundPing:
			h.mux.Send(conversationID, streaming.Pong())
		case inboundHistory:
			h.handleHistory(ctx, log, conversationID)
		case inboundClose:
			if err := h.repo.DeleteConversation(ctx, conversationID); err != nil {
				log.WithError(err).Warn("deleting conversation failed")
			}
			conn.Close(websocket.StatusNormalClosure, "conversation closed")
			return
		default:
			h.mux.Send(conversationID, streaming.Error("unknown frame type "+frame.Type))
		}
	}
}

// handleMessage admits one chat message: preprocess, budget check, enqueue,
// queued frame. Rejections arrive as error frames on the same connection.
func (h *Handler) handleMessage(ctx context.Context, log logging.Logger, conversationID string, identity Identity, frame inboundFrame) {
	if strings.TrimSpace(frame.Content) == "" {
		h.mux.Send(conversationID, streaming.Error("empty message"))
		return
	}

	req := &scheduling.Request{
		ID:             scheduling.NewRequestID(),
		Tier:           identity.Tier,
		ClientHandle:   conversationID,
		ConversationID: conversationID,
		UserID:         identity.UserID,
		Content:        frame.Content,
		FileRefs:       frame.FileRefs,
		Model:          frame.Model,
		Temperature:    frame.Temperature,
		Thinking:       frame.Thinking,
	}

	if err := h.pre.Prepare(req); err != nil {
		h.mux.Send(conversationID, streaming.Error(err.Error()))
		return
	}
	if err := h.accountant.Check(ctx, identity.UserID, req.EstimatedTokens); err != nil {
		h.mux.Send(conversationID, streaming.Error(err.Error()))
		return
	}

	position, err := h.queue.Enqueue(req)
	if err != nil {
		h.mux.Send(conversationID, streaming.Error(err.Error()))
		return
	}
	if h.obs != nil {
		h.obs.Requests.Add(ctx, 1)
	}
	log.Debugf("request %s admitted at position %d", req.ID, position)
	h.mux.Send(conversationID, streaming.Queued(req.ID, position))
}

func (h *Handler) handleHistory(ctx context.Context, log logging.Logger, conversationID string) {
	messages, err := h.repo.Messages(ctx, conversationID, h.cfg.HistoryLimit)
	if err != nil {
		log.WithError(err).Warn("loading history failed")
		h.mux.Send(conversationID, streaming.Error("loading history failed"))
		return
	}
	h.mux.Send(conversationID, streaming.History(messages))
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for browser WebSocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
