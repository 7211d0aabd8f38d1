package workspace

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Server exposes the engine over HTTP: websocket streams for the
// long-running operations, JSON posts for the unary ones.
type Server struct {
	engine   *Engine
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
}

// NewServer wraps an engine with the transport surface.
func NewServer(engine *Engine) *Server {
	perSecond := rate.Limit(float64(engine.cfg.RateLimitPerMinute) / 60.0)
	return &Server{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(perSecond, engine.cfg.RateLimitPerMinute),
	}
}

// Register mounts every route on an echo router.
func (srv *Server) Register(router *echo.Echo) {
	router.GET("/preview", srv.handlePreview)
	router.GET("/sync", srv.handleSync)
	router.GET("/buffer", srv.handleBuffer)
	router.POST("/mutation", srv.handleMutation)
	router.POST("/heartbeat", srv.handleHeartbeat)
	router.POST("/close", srv.handleClose)
	router.GET("/healthz", srv.handleHealth)
	router.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		srv.engine.metrics.Registry, promhttp.HandlerOpts{})))
}

func (srv *Server) allow(c echo.Context) error {
	if !srv.limiter.Allow() {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	return nil
}

// streamParams validates the (file, client_id) pair every stream needs.
func streamParams(c echo.Context) (string, string, error) {
	file := c.QueryParam("file")
	clientID := c.QueryParam("client_id")
	if file == "" || clientID == "" {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "file and client_id are required")
	}
	if !strings.HasPrefix(file, "/") {
		file = "/" + file
	}
	if !strings.HasSuffix(file, ".pc") || strings.Contains(file, "..") {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "invalid file path")
	}
	return file, clientID, nil
}

// handlePreview implements SubscribePreview: a unidirectional stream of
// PreviewUpdate frames. The first frame is always Initialize or an
// error; a reconnecting client id starts from a fresh subscription.
func (srv *Server) handlePreview(c echo.Context) error {
	if err := srv.allow(c); err != nil {
		return err
	}
	file, clientID, err := streamParams(c)
	if err != nil {
		return err
	}

	cl, err := srv.engine.Subscribe(file, clientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	ws, err := srv.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		srv.engine.DropClient(clientID)
		return err
	}
	defer ws.Close()

	// The read loop only watches for the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-cl.queue:
			if !ok {
				return nil
			}
			if err := ws.WriteJSON(update); err != nil {
				srv.engine.DropClient(clientID)
				return nil
			}
			if update.Control == "evicted" {
				return nil
			}
		case <-done:
			srv.engine.DropClient(clientID)
			return nil
		}
	}
}

// syncMessage is one SyncText frame in either direction.
type syncMessage struct {
	// Type is "state_vector", "update", "diff", or "error".
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// handleSync implements the bidirectional CRDT exchange. The client
// opens with its state vector; the server replies with the missing ops
// and streams further ops as they land; client updates are integrated
// into the session text.
func (srv *Server) handleSync(c echo.Context) error {
	if err := srv.allow(c); err != nil {
		return err
	}
	file, clientID, err := streamParams(c)
	if err != nil {
		return err
	}
	session, err := srv.engine.SessionFor(file)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	ws, err := srv.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(int64(srv.engine.cfg.MaxContentSize))

	// First client frame carries its state vector.
	var hello syncMessage
	if err := ws.ReadJSON(&hello); err != nil {
		return nil
	}
	var remoteSV []byte
	if hello.Type == "state_vector" {
		remoteSV = hello.Payload
	}

	updates, err := session.SubscribeSync(clientID, remoteSV)
	if err != nil {
		return nil
	}
	defer session.UnsubscribeSync(clientID)

	// One writer discipline: the diff pump and the reply paths share a
	// lock over the connection.
	var wmu sync.Mutex
	writeMsg := func(m syncMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		return ws.WriteJSON(m)
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for diff := range updates {
			if len(diff) == 0 {
				continue
			}
			if err := writeMsg(syncMessage{Type: "diff", Payload: diff}); err != nil {
				return
			}
		}
	}()

	for {
		var msg syncMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return nil
		}
		switch msg.Type {
		case "update":
			if err := session.ApplyRemoteUpdate(msg.Payload); err != nil {
				if errors.Is(err, ErrDeadlineExceeded) {
					// The text was rolled back; tell the submitter.
					_ = writeMsg(syncMessage{Type: "error", Payload: []byte(err.Error())})
				} else {
					Warn("sync %s/%s: %v", file, clientID, err)
				}
			}
			srv.engine.Heartbeat(clientID)
		case "state_vector":
			diff, derr := session.EncodeDiff(msg.Payload)
			if derr == nil {
				_ = writeMsg(syncMessage{Type: "diff", Payload: diff})
			}
		}
	}
}

// bufferMessage is one StreamBuffer push: a full text replacement.
type bufferMessage struct {
	Content         string  `json:"content"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

// handleBuffer implements StreamBuffer for clients without a local CRDT:
// they push whole buffers and receive the preview stream back.
func (srv *Server) handleBuffer(c echo.Context) error {
	if err := srv.allow(c); err != nil {
		return err
	}
	file, clientID, err := streamParams(c)
	if err != nil {
		return err
	}

	cl, err := srv.engine.Subscribe(file, clientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	session, err := srv.engine.SessionFor(file)
	if err != nil {
		srv.engine.DropClient(clientID)
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	ws, err := srv.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		srv.engine.DropClient(clientID)
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(int64(srv.engine.cfg.MaxContentSize))

	go func() {
		for {
			var msg bufferMessage
			if err := ws.ReadJSON(&msg); err != nil {
				srv.engine.DropClient(clientID)
				return
			}
			srv.engine.Heartbeat(clientID)
			if err := session.ReplaceText(clientID, msg.Content, msg.ExpectedVersion); err != nil {
				// Rolled-back or rejected writes surface on the preview
				// stream, which owns the connection's write side.
				session.NotifyError(clientID, err.Error())
			}
		}
	}()

	for update := range cl.queue {
		if err := ws.WriteJSON(update); err != nil {
			srv.engine.DropClient(clientID)
			return nil
		}
		if update.Control == "evicted" {
			return nil
		}
	}
	return nil
}

// mutationRequest is the ApplyMutation wire envelope.
type mutationRequest struct {
	ClientID        string   `json:"client_id"`
	FilePath        string   `json:"file_path"`
	Mutation        Mutation `json:"mutation"`
	ExpectedVersion *uint64  `json:"expected_version,omitempty"`
}

func (srv *Server) handleMutation(c echo.Context) error {
	if err := srv.allow(c); err != nil {
		return err
	}
	var req mutationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ClientID == "" || req.FilePath == "" || req.Mutation.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id, file_path, and mutation are required")
	}
	session, err := srv.engine.SessionFor(req.FilePath)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	srv.engine.Heartbeat(req.ClientID)
	result := session.ApplyMutation(req.ClientID, req.Mutation, req.ExpectedVersion)
	return c.JSON(http.StatusOK, result)
}

type clientRequest struct {
	ClientID string `json:"client_id"`
}

func (srv *Server) handleHeartbeat(c echo.Context) error {
	if err := srv.allow(c); err != nil {
		return err
	}
	var req clientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !srv.engine.Heartbeat(req.ClientID) {
		return echo.NewHTTPError(http.StatusNotFound, ErrUnknownClient.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (srv *Server) handleClose(c echo.Context) error {
	if err := srv.allow(c); err != nil {
		return err
	}
	var req clientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	srv.engine.DropClient(req.ClientID)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (srv *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": srv.engine.SessionCount(),
		"clients":  srv.engine.clientCount.Load(),
	})
}
