// handlers.go specifies the handlers the rendezvous server uses to pair senders and receivers.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/logger"
	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/SpatiumPortae/sship/protocol/rendezvous"
	"github.com/SpatiumPortae/sship/templates"
	"github.com/tomasen/realip"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ------------------------------------------------------ Handlers -----------------------------------------------------

// handleAdvertise returns a websocket handler that keeps the advertisement of
// one sender alive for as long as the sender stays connected.
func (s *Server) handleAdvertise() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logger.OrNop(ctx)
		c, err := conn.FromContext(ctx)
		if err != nil {
			logger.Error("getting Conn from request context", zap.Error(err))
			return
		}
		rc := conn.Rendezvous{Conn: c}
		logger.Info("sender connected")

		msg, err := rc.ReadMsg(ctx, rendezvous.SenderToRendezvousAdvertise)
		if err != nil {
			logger.Error("reading advertisement", zap.Error(err))
			return
		}
		fp := code.Fingerprint(msg.Payload.Fingerprint)
		if fp == "" {
			logger.Warn("advertisement without fingerprint")
			return
		}
		ttl := clamp(msg.Payload.TTL, MaxTTL)
		addr := fillHost(msg.Payload.Address, realip.FromRequest(r))

		advCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ad, err := s.registry.Advertise(advCtx, fp, addr, ttl)
		if err != nil {
			logger.Error("registering advertisement", zap.Error(err))
			return
		}
		defer ad.Revoke()
		logger = logger.With(zap.String("id", ad.ID()), zap.String("fingerprint", fp.Short()))

		if err := rc.WriteMsg(ctx, rendezvous.Msg{
			Type: rendezvous.RendezvousToSenderAdvertised,
			Payload: rendezvous.Payload{
				ID:      ad.ID(),
				Address: addr,
				Expires: time.Now().Add(ttl),
			},
		}); err != nil {
			logger.Error("acknowledging advertisement", zap.Error(err))
			return
		}
		logger.Info("advertisement registered", zap.String("address", addr), zap.Duration("ttl", ttl))

		msgs, errC := s.reader(advCtx, rc)
		for {
			select {
			case <-ad.Done():
				logger.Info("advertisement expired")
				if err := rc.WriteMsg(ctx, rendezvous.Msg{Type: rendezvous.RendezvousToSenderExpired}); err != nil {
					logger.Warn("notifying sender of expiry", zap.Error(err))
				}
				return
			case err := <-errC:
				switch {
				case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
					logger.Info("sender disconnected")
				case errors.Is(err, context.Canceled):
					logger.Info("context canceled, closing advertisement")
				default:
					logger.Warn("reading from sender", zap.Error(err))
				}
				return
			case msg := <-msgs:
				switch msg.Type {
				case rendezvous.SenderToRendezvousConsumed:
					logger.Info("code consumed")
					_ = ad.Consume()
				case rendezvous.SenderToRendezvousRearm:
					logger.Info("code re-armed")
					_ = ad.Rearm(clamp(msg.Payload.TTL, MaxTTL))
				case rendezvous.SenderToRendezvousRevoke:
					logger.Info("advertisement revoked")
					return
				default:
					logger.Warn("unexpected message from sender", zap.String("type", msg.Type.Name()))
				}
			}
		}
	}
}

// handleResolve returns a websocket handler that answers one resolve request.
func (s *Server) handleResolve() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logger.OrNop(ctx)
		c, err := conn.FromContext(ctx)
		if err != nil {
			logger.Error("getting Conn from request context", zap.Error(err))
			return
		}
		rc := conn.Rendezvous{Conn: c}

		msg, err := rc.ReadMsg(ctx, rendezvous.ReceiverToRendezvousResolve)
		if err != nil {
			logger.Error("reading resolve request", zap.Error(err))
			return
		}
		fp := code.Fingerprint(msg.Payload.Fingerprint)
		logger = logger.With(zap.String("fingerprint", fp.Short()))

		addr, err := s.registry.Resolve(ctx, fp, clamp(msg.Payload.TTL, MaxResolveTimeout))
		reply := rendezvous.Msg{Type: rendezvous.RendezvousToReceiverResolved, Payload: rendezvous.Payload{Address: addr}}
		switch {
		case err == nil:
			logger.Info("resolved", zap.String("address", addr))
		case errors.Is(err, discovery.ErrNotFound):
			reply = errorMsg(rendezvous.ReasonNotFound)
		case errors.Is(err, discovery.ErrAmbiguousMatch):
			reply = errorMsg(rendezvous.ReasonAmbiguous)
		case errors.Is(err, code.ErrExpiredCode):
			reply = errorMsg(rendezvous.ReasonExpired)
		default:
			logger.Info("resolve abandoned", zap.Error(err))
			return
		}
		if err != nil {
			logger.Info("resolve failed", zap.Error(err))
		}
		if err := rc.WriteMsg(ctx, reply); err != nil {
			logger.Warn("writing resolve reply", zap.Error(err))
		}
	}
}

//nolint:errcheck
func (s *Server) ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}

//nolint:errcheck
func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.version)
	}
}

// handleLanding renders a page describing the server and how busy it is.
func (s *Server) handleLanding() http.HandlerFunc {
	type landing struct {
		Version  string
		Protocol string
		Host     string
		Waiting  int
		Pairing  int
	}
	return func(w http.ResponseWriter, r *http.Request) {
		data := landing{Version: s.version.String(), Protocol: semver.Protocol.String(), Host: r.Host}
		for _, e := range s.registry.Entries() {
			if e.Consumed {
				data.Pairing++
			} else {
				data.Waiting++
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.templates.Execute(w, templates.Landing, data); err != nil {
			logger.OrNop(r.Context()).Error("rendering landing page", zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// reader forwards messages read from the connection until it fails or ctx is done.
func (s *Server) reader(ctx context.Context, rc conn.Rendezvous) (<-chan rendezvous.Msg, <-chan error) {
	msgs := make(chan rendezvous.Msg)
	errC := make(chan error, 1)
	go func() {
		for {
			msg, err := rc.ReadMsg(ctx)
			if err != nil {
				errC <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return msgs, errC
}

func errorMsg(reason string) rendezvous.Msg {
	return rendezvous.Msg{Type: rendezvous.RendezvousToReceiverError, Payload: rendezvous.Payload{Reason: reason}}
}

func clamp(d, limit time.Duration) time.Duration {
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// fillHost replaces a missing or unspecified host in addr with the address
// the request came from.
func fillHost(addr, remote string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return addr
	}
	if remote == "" {
		return addr
	}
	return net.JoinHostPort(remote, port)
}
