package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"geo-drilldown-map/pkg/chart"
	"geo-drilldown-map/pkg/metrics"
	"geo-drilldown-map/pkg/session"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum gesture size accepted from the page.
	maxMessageSize = 8 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// syncMessage is the first frame of every stream: the full state, so the
// page can render before any event arrives.
type syncMessage struct {
	Type    string          `json:"type"`
	Session sessionResponse `json:"session"`
}

// replyMessage answers a gesture the server could not use.
type replyMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleEvents upgrades to a websocket that streams chart events to the page
// and accepts drilldown/drillup gestures back.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		h.logf("websocket upgrade: %v", err)
		return
	}

	st := &stream{
		conn:    conn,
		session: s,
		limiter: h.Limiter,
		metrics: h.Metrics,
		client:  h.clientIP(r),
		pending: make(chan chart.Message, 1),
		replies: make(chan replyMessage, 4),
		logf:    h.logf,
	}
	st.run(r.Context())
}

type stream struct {
	conn    *websocket.Conn
	session *session.Session
	limiter *RateLimiter
	metrics *metrics.Collector
	client  string
	// pending holds the next gesture to dispatch; a newer one replaces it.
	pending chan chart.Message
	replies chan replyMessage
	logf    func(string, ...any)
}

func (st *stream) run(parent context.Context) {
	defer st.conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	// Subscribe before the snapshot so no event falls between them; the
	// page drops events with a seq at or below the snapshot's.
	events := st.session.Chart.Subscribe(ctx, 32)

	snap, err := st.session.View.Snapshot()
	if err != nil {
		return
	}
	st.conn.SetWriteDeadline(time.Now().Add(writeWait))
	first := syncMessage{Type: "sync", Session: sessionResponse{ID: st.session.ID, Map: snap, Chart: st.session.Chart.Snapshot()}}
	if err := st.conn.WriteJSON(first); err != nil {
		return
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go st.dispatchLoop(ctx)
	go st.serverToClientLoop(ctx, cancel, &wg, events)
	go st.clientToServerLoop(ctx, cancel, &wg)
	wg.Wait()
}

func (st *stream) clientToServerLoop(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	defer func() {
		cancel()
		wg.Done()
	}()

	st.conn.SetReadLimit(maxMessageSize)
	st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		st.session.Touch()
		return st.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg chart.Message
		if err := st.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.logf("[ws %s] read: %v", st.session.ID, err)
			}
			return
		}
		st.session.Touch()

		// Gestures trigger upstream fetches just like the POST routes.
		if ok, wait := st.limiter.Allow(st.client, RequestHeavy); !ok {
			if st.metrics != nil {
				st.metrics.RateLimited(RequestHeavy.String())
			}
			st.reply(ctx, fmt.Sprintf("too many requests, retry in %s", max(wait.Round(time.Second), time.Second)))
			continue
		}
		select {
		case st.pending <- msg:
		default:
			select {
			case <-st.pending:
			default:
			}
			st.pending <- msg
		}
	}
}

// dispatchLoop runs one gesture at a time.  Dispatch blocks for the whole
// fetch; gestures arriving meanwhile collapse into the latest one.
func (st *stream) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-st.pending:
			if err := st.session.Chart.Dispatch(m); err != nil {
				st.reply(ctx, err.Error())
			}
		}
	}
}

func (st *stream) reply(ctx context.Context, message string) {
	select {
	case st.replies <- replyMessage{Type: "error", Message: message}:
	case <-ctx.Done():
	}
}

func (st *stream) serverToClientLoop(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, events <-chan chart.Event) {
	defer func() {
		st.conn.Close()
		cancel()
		wg.Done()
	}()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		body, err := json.Marshal(v)
		if err != nil {
			return false
		}
		st.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return st.conn.WriteMessage(websocket.TextMessage, body) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Session closed under us.
				st.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = st.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if !write(ev) {
				return
			}
		case reply := <-st.replies:
			if !write(reply) {
				return
			}
		}
	}
}
