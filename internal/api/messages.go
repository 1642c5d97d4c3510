package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/router"
)

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Sender         string `json:"sender,omitempty"`
}

// MessageResponse carries the single reply to a message.
type MessageResponse struct {
	RequestID   string `json:"request_id"`
	Text        string `json:"text"`
	HTML        string `json:"html"`
	AIGenerated bool   `json:"ai_generated"`
}

// replySink captures the router's reply for the HTTP response.
type replySink struct {
	reply *router.Reply
}

func (s *replySink) Send(_ context.Context, r router.Reply) error {
	s.reply = &r
	return nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Sender == "" {
		req.Sender = remoteHost(r)
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	if ok, retry := s.limiter.allow(req.Sender); !ok {
		s.logger.Warn("rate limit exceeded", "sender", req.Sender)
		s.events.Emit(events.SourceAPI, events.KindRateLimited, map[string]any{"sender": req.Sender})
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(retry.Seconds())))))
		s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	requestID := uuid.NewString()
	sink := &replySink{}
	err := s.dispatcher.Dispatch(r.Context(), router.Inbound{
		RequestID:      requestID,
		Text:           req.Text,
		ConversationID: req.ConversationID,
		Sender:         req.Sender,
	}, sink)
	if err != nil || sink.reply == nil {
		s.logger.Error("dispatch failed", "request_id", requestID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	s.writeJSON(w, http.StatusOK, MessageResponse{
		RequestID:   requestID,
		Text:        sink.reply.Text,
		HTML:        s.renderHTML(sink.reply.Text),
		AIGenerated: sink.reply.AIGenerated,
	})
}

// renderHTML converts reply markdown to an HTML fragment. Raw HTML in
// the reply is not passed through. On failure the fragment is empty and
// clients fall back to the text.
func (s *Server) renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// senderLimiter applies a token bucket per sender. A nil limiter (no
// per-minute limit configured) allows everything.
type senderLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	sweep   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// idleBucket is how long an unused bucket is kept.
const idleBucket = 10 * time.Minute

func newSenderLimiter(cfg config.RateLimitConfig) *senderLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerMinute
	}
	return &senderLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.PerMinute)),
		burst:   burst,
		buckets: make(map[string]*bucket),
		sweep:   time.Now(),
	}
}

// allow reports whether sender may send now, and if not, how long
// until a token is available.
func (l *senderLimiter) allow(sender string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > idleBucket {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > idleBucket {
				delete(l.buckets, k)
			}
		}
		l.sweep = now
	}

	b, ok := l.buckets[sender]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[sender] = b
	}
	b.seen = now

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}
