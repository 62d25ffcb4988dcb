package rendezvous

import (
	"time"

	"github.com/SpatiumPortae/sship/internal/cache"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/logger"
)

func (s *Server) routes() {
	s.router.Use(logger.Middleware(s.logger))
	s.router.HandleFunc("/", s.handleLanding())
	s.router.HandleFunc("/ping", s.ping())
	s.router.Handle("/version", cache.Middleware(s.cache, time.Minute)(s.handleVersion()))
	s.router.Handle("/advertise", conn.Middleware()(s.handleAdvertise()))
	s.router.Handle("/resolve", conn.Middleware()(s.handleResolve()))
}
