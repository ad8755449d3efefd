package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/fanout"
	"github.com/adred-codev/realtime/internal/handlers"
	"github.com/adred-codev/realtime/internal/monitoring"
	"github.com/adred-codev/realtime/internal/session"
)

// readPump decodes inbound frames and dispatches them. Every data frame
// counts as activity for heartbeat purposes.
func (s *Server) readPump(c *client, info session.Info) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"session_id": info.ID})

	reason := session.ReasonClientClosed
	defer func() {
		s.registry.Disconnect(info.ID, reason)
		c.Close(reason)
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !c.closed() {
				reason = session.ReasonHeartbeatTimeout
			}
			if !c.closed() {
				s.logger.Debug().Err(err).Str("session_id", info.ID).Msg("Read loop ended")
			}
			return
		}
		if op != ws.OpText {
			continue
		}

		_ = s.registry.Heartbeat(info.ID)
		s.handleFrame(c, info, msg)
	}
}

func (s *Server) handleFrame(c *client, info session.Info, msg []byte) {
	var in handlers.Inbound
	if err := json.Unmarshal(msg, &in); err != nil || in.Event == "" {
		s.sendError(c, apperr.Validation("malformed frame"))
		return
	}

	ack := s.dispatcher.Dispatch(s.ctx, info, in)
	if in.AckID == "" {
		return
	}
	frame, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error().Err(err).Str("event", in.Event).Msg("Failed to encode ack")
		return
	}
	c.Deliver(frame)
}

func (s *Server) sendError(c *client, err error) {
	frame, _, encErr := fanout.EncodeFrame("error", handlers.AckError{Code: apperr.CodeOf(err), Message: apperr.MessageOf(err)})
	if encErr == nil {
		c.Deliver(frame)
	}
}

// writePump batches queued frames into one flush and pings on an interval.
// When the client is closed it flushes what is left and sends a close frame.
func (s *Server) writePump(c *client, sessionID string) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		s.active.Add(-1)
		s.wg.Done()
	}()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"session_id": sessionID})

	write := func(frame []byte) bool {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to write frame")
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if !write(frame) {
				s.registry.Disconnect(sessionID, session.ReasonWriteError)
				return
			}
			for n := len(c.send); n > 0; n-- {
				if !write(<-c.send) {
					s.registry.Disconnect(sessionID, session.ReasonWriteError)
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to flush writer")
				s.registry.Disconnect(sessionID, session.ReasonWriteError)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to send ping")
				s.registry.Disconnect(sessionID, session.ReasonWriteError)
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			for n := len(c.send); n > 0; n-- {
				if !write(<-c.send) {
					break
				}
			}
			reason := c.reason()
			body := ws.NewCloseFrameBody(closeStatus(reason), reason)
			_ = ws.WriteFrame(writer, ws.NewCloseFrame(body))
			_ = writer.Flush()
			return
		}
	}
}
