// internal/handlers/round_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/roundhouse/internal/admission"
	"github.com/jason-s-yu/roundhouse/internal/auth"
	"github.com/jason-s-yu/roundhouse/internal/broadcast"
	"github.com/jason-s-yu/roundhouse/internal/middleware"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/round"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "round"

const maxInboundBytes = 4096

// ClientMessage is one inbound websocket message. Timestamp is the client's clock and is
// only echoed back for diagnostics.
type ClientMessage struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Topic     string     `json:"topic,omitempty"`
	Sequence  uint64     `json:"sequence,omitempty"`
	RoundID   uuid.UUID  `json:"roundId,omitempty"`
	Selection string     `json:"selection,omitempty"`
	Amount    int64      `json:"amount,omitempty"`
	Category  string     `json:"category,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// BetReply answers a bet request.
type BetReply struct {
	RequestID string      `json:"requestId,omitempty"`
	Bet       *models.Bet `json:"bet,omitempty"`
	Balance   int64       `json:"balance,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// wsConn adapts a websocket to the hub's Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(reason string) error {
	return w.c.Close(closeCode(reason), reason)
}

// sourceOf identifies the connecting client for admission limits.
func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// originHosts turns CORS origins into the host patterns websocket.Accept matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// roundWS streams a room to one client. Unknown rooms, bad tokens and admission rejections
// are answered with a plain HTTP error before the upgrade.
func (s *Server) roundWS(w http.ResponseWriter, r *http.Request) {
	key, ok := s.roundKey(r)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	id, err := auth.AuthenticateJWT(middleware.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "invalid auth token", http.StatusUnauthorized)
		return
	}

	source := sourceOf(r)
	lease, err := s.limiter.Acquire(r.Context(), source)
	if err != nil {
		reason := admission.Reason(err)
		s.metrics.AdmissionRejected.WithLabelValues(reason).Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{"source": source, "player_id": id.PlayerID}).Warn("connection rejected before upgrade")
		if reason == "error" {
			http.Error(w, "admission unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(s.heartbeat.Seconds())))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			s.logger.WithError(err).WithField("source", source).Warn("failed to release admission lease")
		}
	}()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: originHosts(s.origins),
	})
	if err != nil {
		s.logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the round subprotocol")
		return
	}
	c.SetReadLimit(maxInboundBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	topics := []string{broadcast.RoomTopic(key), broadcast.PlayerTopic(id.PlayerID)}
	if id.IsAdmin() {
		topics = append(topics, broadcast.AdminTopic)
	}
	conn := wsConn{c: c}
	hub := s.engine.Hub()
	sub := hub.Register(ctx, conn, id, source, topics...)
	defer hub.Unregister(sub)

	middleware.LogWebSocketConnect(s.logger, id, source, r.URL.Path)
	go s.heartbeatLoop(ctx, c, conn, sub, lease)

	err = s.readLoop(ctx, c, sub, key, rate.NewLimiter(s.messageRate, s.messageBurst))
	middleware.LogWebSocketDisconnect(s.logger, id, source, r.URL.Path, err)
}

// heartbeatLoop renews the admission lease and pings the client until ctx ends.
func (s *Server) heartbeatLoop(ctx context.Context, c *websocket.Conn, conn wsConn, sub *broadcast.Subscriber, lease *admission.Lease) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
		}
		if err := lease.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).WithField("subscriber", sub.ID).Warn("admission lease lost, disconnecting")
			_ = conn.Close("admission lease lost")
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, s.heartbeat/2)
		err := c.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WithError(err).WithField("subscriber", sub.ID).Debug("ping failed")
			}
			return
		}
		sub.Touch()
	}
}

// readLoop handles inbound messages until the connection closes. It returns nil on a
// normal close. Bets and advisories draw from l; acks, pings and resyncs do not, so a
// throttled client still keeps its critical stream moving.
func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, sub *broadcast.Subscriber, key models.RoundKey, l *rate.Limiter) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		sub.Touch()
		if typ != websocket.MessageText {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(sub, broadcast.TypeError, map[string]string{"error": "invalid JSON format"})
			continue
		}
		if (msg.Type == "bet" || msg.Type == "advisory") && !l.Allow() {
			s.metrics.MessagesThrottled.Inc()
			s.reply(sub, throttledReply(msg.Type), map[string]string{
				"requestId": msg.RequestID,
				"reason":    ThrottledReason,
				"error":     "too many messages, slow down",
			})
			continue
		}
		s.handleMessage(ctx, sub, key, msg)
	}
}

// ThrottledReason is the rejection reason for messages over the per-connection rate.
const ThrottledReason = "rate_limited"

func throttledReply(typ string) string {
	if typ == "bet" {
		return broadcast.TypeBetRejected
	}
	return broadcast.TypeError
}

func (s *Server) reply(sub *broadcast.Subscriber, typ string, payload any) {
	if err := sub.Reply(typ, payload); err != nil {
		s.logger.WithError(err).WithField("subscriber", sub.ID).Debug("reply dropped: subscriber gone")
	}
}

func (s *Server) handleMessage(ctx context.Context, sub *broadcast.Subscriber, key models.RoundKey, msg ClientMessage) {
	switch msg.Type {
	case "ack":
		topic := msg.Topic
		if topic == "" {
			topic = broadcast.RoomTopic(key)
		}
		sub.Ack(topic, msg.Sequence)

	case "resync":
		sub.RequestResync()

	case "ping":
		s.reply(sub, broadcast.TypePong, map[string]any{
			"requestId":  msg.RequestID,
			"serverTime": s.engine.Clock().Now().UTC(),
			"clientTime": msg.Timestamp,
		})

	case "bet":
		roundID := msg.RoundID
		if roundID == uuid.Nil {
			if cur := s.engine.Registry().Current(key); cur != nil {
				roundID = cur.ID
			}
		}
		if roundID == uuid.Nil {
			s.reply(sub, broadcast.TypeBetRejected, BetReply{
				RequestID: msg.RequestID,
				Reason:    round.RejectReason(round.ErrRoundClosed),
				Error:     "no round is open",
			})
			return
		}
		p, err := s.engine.PlaceBet(ctx, roundID, sub.Identity, msg.Selection, msg.Amount)
		if err != nil {
			s.reply(sub, broadcast.TypeBetRejected, BetReply{
				RequestID: msg.RequestID,
				Reason:    round.RejectReason(err),
				Error:     err.Error(),
			})
			return
		}
		s.reply(sub, broadcast.TypeBetAccepted, BetReply{RequestID: msg.RequestID, Bet: p.Bet, Balance: p.Balance})

	case "advisory":
		roundID := msg.RoundID
		if roundID == uuid.Nil {
			if cur := s.engine.Registry().Current(key); cur != nil {
				roundID = cur.ID
			}
		}
		r, err := s.engine.SubmitAdvisory(ctx, roundID, sub.Identity, msg.Category)
		if err != nil {
			s.reply(sub, broadcast.TypeError, map[string]string{
				"requestId": msg.RequestID,
				"reason":    round.RejectReason(err),
				"error":     err.Error(),
			})
			return
		}
		s.reply(sub, broadcast.TypeAdvisoryAck, map[string]any{"requestId": msg.RequestID, "round": r})

	default:
		s.reply(sub, broadcast.TypeError, map[string]string{
			"requestId": msg.RequestID,
			"error":     "unknown message type " + strconv.Quote(msg.Type),
		})
	}
}
