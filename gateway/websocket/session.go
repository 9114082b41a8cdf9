package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/gateway"
	"github.com/c360/entitystream/listener"
	"github.com/c360/entitystream/types"
)

const reasonSlowConsumer = "slow_consumer"

type session struct {
	id          string
	conn        *websocket.Conn
	gw          *Gateway
	send        chan []byte
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	limiter     *rate.Limiter
	connectedAt time.Time

	// defaultDashboard applies to frames without a dashboard_id
	defaultDashboard string

	mu         sync.Mutex
	widgets    map[string]listener.Unregister
	dashboards map[string]struct{}
	closeOnce  sync.Once
}

func newSession(id, dashboardID string, conn *websocket.Conn, gw *Gateway) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		defaultDashboard: dashboardID,
		ctx:              ctx,
		cancel:      cancel,
		id:          id,
		conn:        conn,
		gw:          gw,
		send:        make(chan []byte, gw.cfg.SendQueue),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(gw.cfg.MessagesPerSecond), gw.cfg.Burst),
		connectedAt: time.Now(),
		widgets:     make(map[string]listener.Unregister),
		dashboards:  make(map[string]struct{}),
	}
}

// enqueue never blocks. A full queue closes the session.
func (s *session) enqueue(frame ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.gw.metrics.fail("marshal")
		s.gw.logger.Warn("Dropping unencodable frame", "session_id", s.id, "type", frame.Type, "error", err)
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- data:
		s.gw.metrics.frame("out", frame.Type)
		return true
	default:
		go s.close(websocket.ClosePolicyViolation, reasonSlowConsumer)
		return false
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.gw.metrics.fail("write")
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.gw.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.gw.metrics.fail("ping")
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.close(websocket.CloseNormalClosure, "client closed")

	pongWait := 2 * s.gw.cfg.PingInterval
	s.conn.SetReadLimit(s.gw.cfg.MaxRequestSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := codec.DecodeJSON(data, &frame); err != nil {
			s.gw.metrics.fail("decode")
			s.reject("", errors.WrapInvalid(errors.ErrDecode, "WebsocketSession", "readLoop", "decode frame"))
			continue
		}
		s.gw.metrics.frame("in", frame.Type)

		if !s.limiter.Allow() {
			s.gw.metrics.fail("rate_limited")
			s.reject(frame.ID, errors.WrapTransient(errors.ErrRateLimited, "WebsocketSession", "readLoop", "rate limit"))
			continue
		}

		s.handle(frame)
	}
}

func (s *session) handle(frame ClientFrame) {
	var err error
	switch frame.Type {
	case FrameListen:
		err = s.listen(frame)
	case FrameUnlisten:
		err = s.unlisten(frame)
	case FrameLoad:
		err = s.load(frame)
	case FrameAction:
		err = s.action(frame)
	case FramePing:
		s.enqueue(newFrame(FramePong, frame.ID))
	default:
		err = errors.WrapInvalid(fmt.Errorf("unknown frame type %q", frame.Type),
			"WebsocketSession", "handle", "dispatch frame")
	}
	if err != nil {
		s.reject(frame.ID, err)
	}
}

func (s *session) listen(frame ClientFrame) error {
	ids, err := frame.entityIDs()
	if err != nil {
		return errors.WrapInvalid(err, "WebsocketSession", "listen", "validate entity ids")
	}
	if frame.WidgetID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: missing widget id", errors.ErrRegistration),
			"WebsocketSession", "listen", "validate widget")
	}

	widgetID, dashboardID := frame.WidgetID, s.dashboardOf(frame)
	unregister, err := s.gw.hub.RegisterEntityListener(ids, listener.Options{
		WidgetID:    s.id + "/" + widgetID,
		DashboardID: dashboardID,
		Callback:    s.pushChanged(widgetID, dashboardID),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.widgets == nil {
		s.mu.Unlock()
		unregister()
		return errors.WrapTransient(errors.ErrClosed, "WebsocketSession", "listen", "check session state")
	}
	s.widgets[widgetID] = unregister
	s.mu.Unlock()
	s.useDashboard(dashboardID)

	snapshot := newFrame(FrameSnapshot, frame.ID)
	snapshot.WidgetID = widgetID
	snapshot.DashboardID = dashboardID
	snapshot.Values = s.gw.hub.LatestEntityValues(ids)
	s.enqueue(snapshot)
	return nil
}

func (s *session) dashboardOf(frame ClientFrame) string {
	if frame.DashboardID != "" {
		return frame.DashboardID
	}
	return s.defaultDashboard
}

// pushChanged runs on the dispatcher goroutine and must not block
func (s *session) pushChanged(widgetID, dashboardID string) listener.Callback {
	return func(changed []types.EntityID) {
		frame := newFrame(FrameChanged, "")
		frame.WidgetID = widgetID
		frame.DashboardID = dashboardID
		frame.Changed = changed
		frame.Values = s.gw.hub.LatestEntityValues(changed)
		s.enqueue(frame)
	}
}

func (s *session) unlisten(frame ClientFrame) error {
	s.mu.Lock()
	unregister, ok := s.widgets[frame.WidgetID]
	delete(s.widgets, frame.WidgetID)
	s.mu.Unlock()

	if ok {
		unregister()
	}
	s.enqueue(newFrame(FrameAck, frame.ID))
	return nil
}

func (s *session) load(frame ClientFrame) error {
	ids, err := frame.entityIDs()
	if err != nil {
		return errors.WrapInvalid(err, "WebsocketSession", "load", "validate entity ids")
	}

	dashboardID := s.dashboardOf(frame)
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.gw.hub.LoadDashboard(ctx, dashboardID, ids); err != nil {
		return err
	}
	s.useDashboard(dashboardID)

	ack := newFrame(FrameAck, frame.ID)
	ack.DashboardID = dashboardID
	ack.Values = s.gw.hub.LatestEntityValues(ids)
	s.enqueue(ack)
	return nil
}

func (s *session) action(frame ClientFrame) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.gw.hub.PublishAction(ctx, codec.Exchange(frame.Exchange)); err != nil {
		return err
	}
	s.enqueue(newFrame(FrameAck, frame.ID))
	return nil
}

func (s *session) useDashboard(dashboardID string) {
	if dashboardID == "" {
		return
	}
	s.mu.Lock()
	if s.dashboards == nil {
		s.mu.Unlock()
		return
	}
	_, seen := s.dashboards[dashboardID]
	s.dashboards[dashboardID] = struct{}{}
	s.mu.Unlock()

	if !seen {
		s.gw.acquire(dashboardID)
	}
}

// requestContext is cancelled by the timeout or by the session closing
func (s *session) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.gw.cfg.RequestTimeout)
}

func (s *session) reject(id string, err error) {
	frame := newFrame(FrameError, id)
	frame.Error = gateway.PublicMessage(err)
	s.enqueue(frame)
	s.gw.logger.Debug("Rejected websocket frame", "session_id", s.id, "request_id", id, "error", err)
}

// close tears the session down once: widgets are unregistered, dashboards released,
// and the socket closed with code and reason.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.mu.Lock()
		unregisters := make([]listener.Unregister, 0, len(s.widgets))
		for _, fn := range s.widgets {
			unregisters = append(unregisters, fn)
		}
		s.widgets = nil
		dashboards := make([]string, 0, len(s.dashboards))
		for d := range s.dashboards {
			dashboards = append(dashboards, d)
		}
		s.dashboards = nil
		s.mu.Unlock()

		for _, fn := range unregisters {
			fn()
		}
		for _, d := range dashboards {
			s.gw.release(d)
		}

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()

		s.gw.remove(s, reason)
	})
}
