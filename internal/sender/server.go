// server.go defines the webserver a sender accepts receiver links on.
package sender

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/logger"
	protocol "github.com/SpatiumPortae/sship/protocol/transfer"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// server specifies the webserver that receivers connect to directly.
type server struct {
	server *http.Server
	router *http.ServeMux
	ln     net.Listener
}

// newServer creates a server on the listener serving links with handle.
func newServer(ln net.Listener, lgr *zap.Logger, handle http.HandlerFunc) *server {
	router := &http.ServeMux{}
	s := &server{
		router: router,
		ln:     ln,
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
			Handler:           logger.Middleware(lgr)(router),
		},
	}
	router.Handle(protocol.Endpoint, conn.Middleware()(handle))
	return s
}

// Start serves until the server is shut down.
func (s *server) Start() error {
	if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting links. Links already upgraded to websockets are
// owned by their handlers.
func (s *server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// localIP returns the first non loopback IPv4 address of the host.
func localIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP, nil
			}
		}
	}
	return nil, errors.New("unable to resolve local IP")
}
