package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wakeproxy/wakeproxy/internal/supervisor"
)

// acceptRateLimit and acceptBurst bound how fast a single public port
// accepts new connections: a client hammering a cold port should not
// be able to force unbounded concurrent launch attempts.
const (
	acceptRateLimit = rate.Limit(50) // connections per second
	acceptBurst     = 100
)

// Fabric owns the public-facing net.Listener for one port of one
// service and pumps every accepted connection through the service's
// Controller.
type Fabric struct {
	publicPort int
	controller *supervisor.Controller
	log        zerolog.Logger
	limiter    *rate.Limiter
}

// NewFabric builds a Fabric for publicPort, backed by controller. It
// does not bind the listener; call Serve to do that and start
// accepting.
func NewFabric(publicPort int, controller *supervisor.Controller, log zerolog.Logger) *Fabric {
	return &Fabric{
		publicPort: publicPort,
		controller: controller,
		log:        log.With().Int("port", publicPort).Logger(),
		limiter:    rate.NewLimiter(acceptRateLimit, acceptBurst),
	}
}

// Serve binds the public listener and accepts connections until ctx
// is canceled or accept fails unrecoverably. Each accepted connection
// is handled in its own goroutine so a slow or stuck backend on one
// connection never blocks new accepts.
func (f *Fabric) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", f.publicPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	f.log.Info().Str("addr", addr).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("proxy: accept on %s: %w", addr, err)
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			conn.Close()
			continue
		}

		go f.handle(ctx, conn)
	}
}

func (f *Fabric) handle(ctx context.Context, conn net.Conn) {
	portMap, release, err := f.controller.Use(ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("service unavailable, dropping connection")
		conn.Close()
		return
	}
	defer release()

	allocated, ok := portMap[f.publicPort]
	if !ok {
		f.log.Error().Msg("controller returned port map without this fabric's public port")
		conn.Close()
		return
	}

	target := fmt.Sprintf("[::1]:%d", allocated)
	if err := Pump(ctx, conn, target); err != nil {
		f.log.Debug().Err(err).Msg("connection pump ended")
	}
}
