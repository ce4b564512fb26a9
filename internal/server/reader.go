package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/hub"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

// startReader decodes frames from one client and hands them to the adapter.
// A malformed frame ends the connection.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropClient(cl)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, 16, func(fr can.Frame) {
				if s.frameFilter != nil && !s.frameFilter(&fr) {
					return
				}
				metrics.IncTCPRx()
				if err := s.send(fr); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrDeviceTx, err)
					s.totalSendErrors.Add(1)
					s.setError(wrap)
					logger.Debug("device_tx_error", "error", wrap, "frame", fr.String())
				}
			})
			if err != nil {
				var ne net.Error
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
					return
				case errors.As(err, &ne) && ne.Timeout():
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
