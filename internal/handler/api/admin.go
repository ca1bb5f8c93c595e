package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	models "TrapFlow/internal/domain/models"
	domrepo "TrapFlow/internal/domain/repository"
	xhttp "TrapFlow/pkg/http"
	xlogger "TrapFlow/pkg/logger"
	"TrapFlow/pkg/statestore"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	maxEventBody = 1 << 20

	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// EventQueue is the part of the ingest queue the admin API touches.
type EventQueue interface {
	Key() string
	Enqueue(ctx context.Context, member []byte) error
	Depth(ctx context.Context) (int64, error)
}

// StatsSource exposes pipeline counters.
type StatsSource interface {
	Snapshot() models.StatsSnapshot
}

// Subscriber opens a pub/sub subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (statestore.Subscription, error)
}

// CheckFunc adapts a ping function to domrepo.HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Health(ctx context.Context) error { return f(ctx) }

// AdminHandler serves health, stats, queue and trap endpoints plus the live
// trap feed.
type AdminHandler struct {
	logger   *xlogger.Logger
	queue    EventQueue
	stats    StatsSource
	traps    domrepo.TrapReader
	sub      Subscriber
	channel  string
	store    domrepo.HealthChecker
	database domrepo.HealthChecker
	upgrader websocket.Upgrader
}

// AdminDeps groups AdminHandler collaborators. Traps and Database may be nil.
type AdminDeps struct {
	Queue      EventQueue
	Stats      StatsSource
	Traps      domrepo.TrapReader
	Subscriber Subscriber
	Channel    string
	StateStore domrepo.HealthChecker
	Database   domrepo.HealthChecker
}

func NewAdminHandler(logger *xlogger.Logger, deps AdminDeps) *AdminHandler {
	return &AdminHandler{
		logger:   logger,
		queue:    deps.Queue,
		stats:    deps.Stats,
		traps:    deps.Traps,
		sub:      deps.Subscriber,
		channel:  deps.Channel,
		store:    deps.StateStore,
		database: deps.Database,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *AdminHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/ws/traps", h.TrapFeed)

	g := e.Group("/api")
	g.GET("/stats", h.Stats)
	g.GET("/queue/depth", h.QueueDepth)
	g.POST("/events", h.Enqueue)
	g.GET("/traps/recent", h.RecentTraps)
}

type healthResponse struct {
	StateStore string `json:"state_store"`
	Database   string `json:"database"`
}

func (h *AdminHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	res := healthResponse{
		StateStore: h.check(ctx, "state_store", h.store),
		Database:   h.check(ctx, "database", h.database),
	}
	if res.StateStore != "ok" || res.Database != "ok" {
		return xhttp.ServiceUnavailableResponse(c, res)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *AdminHandler) check(ctx context.Context, name string, hc domrepo.HealthChecker) string {
	if hc == nil {
		return "down"
	}
	if err := hc.Health(ctx); err != nil {
		h.logger.Warn("health check failed", xlogger.String("dependency", name), xlogger.Error(err))
		return "down"
	}
	return "ok"
}

func (h *AdminHandler) Stats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.stats.Snapshot())
}

type queueDepthResponse struct {
	QueueKey string `json:"queue_key"`
	Depth    int64  `json:"depth"`
}

func (h *AdminHandler) QueueDepth(c echo.Context) error {
	depth, err := h.queue.Depth(c.Request().Context())
	if err != nil {
		h.logger.Error("queue depth failed", xlogger.Code(models.ErrCodeQueueIO), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("queue unavailable").WithError(err))
	}
	return xhttp.SuccessResponse(c, queueDepthResponse{QueueKey: h.queue.Key(), Depth: depth})
}

// Enqueue adds the request body to the queue verbatim. The classifier does
// the real validation; here the body only has to be JSON.
func (h *AdminHandler) Enqueue(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody+1))
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("unreadable body").WithError(err))
	}
	if len(body) > maxEventBody {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("body exceeds %d bytes", maxEventBody))
	}
	if !json.Valid(body) {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("body is not valid JSON"))
	}

	if err := h.queue.Enqueue(c.Request().Context(), body); err != nil {
		h.logger.Error("enqueue failed", xlogger.Code(models.ErrCodeQueueIO), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("queue unavailable").WithError(err))
	}
	return xhttp.AcceptedResponse(c, map[string]string{"queue_key": h.queue.Key()})
}

type recentTrapsRequest struct {
	Limit int `query:"limit" default:"20" validate:"min=1,max=200"`
}

func (h *AdminHandler) RecentTraps(c echo.Context) error {
	if h.traps == nil {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("trap store not configured"))
	}
	req := &recentTrapsRequest{}
	if verr := xhttp.BindAndValidate(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	ctx := c.Request().Context()
	rows, err := h.traps.Recent(ctx, req.Limit)
	if err != nil {
		h.logger.Error("recent traps failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("trap store unavailable").WithError(err))
	}
	total, err := h.traps.Count(ctx)
	if err != nil {
		h.logger.Warn("trap count failed", xlogger.Error(err))
		total = int64(len(rows))
	}
	if rows == nil {
		rows = []models.PersistedTrap{}
	}
	return xhttp.ListResponse(c, rows, total)
}

// TrapFeed upgrades to a websocket and relays every message published on
// the trap channel as a text frame until either side goes away.
func (h *AdminHandler) TrapFeed(c echo.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.sub.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("trap feed subscribe failed", xlogger.Code(models.ErrCodeStateStoreDown), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("state store unavailable").WithError(err))
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", xlogger.Error(err))
		return nil
	}
	defer conn.Close()

	remote := c.RealIP()
	h.logger.Info("trap feed connected", xlogger.String("remote", remote))
	defer h.logger.Info("trap feed disconnected", xlogger.String("remote", remote))

	// Reads only serve control frames; any read error ends the feed.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		}
	}
}
