package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-relay/internal/observability"
	"go.uber.org/zap"
)

type Deps struct {
	Service  *chat.Service
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// CORSConfig allows any origin; the relay is called from browser clients
// with a bearer token, never with cookies.
func CORSConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:              []string{"authorization", "x-client-info", "apikey", "content-type"},
		ExposeHeaders:             []string{middleware.RequestIDHeader},
		OptionsResponseStatusCode: http.StatusOK,
	}
}

func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = observability.Nop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(d.Logger.Named("access"), d.Metrics))
	r.Use(middleware.Recovery(d.Logger))
	r.Use(cors.New(CORSConfig()))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	h := handlers.NewHandler(d.Service, d.Logger)

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	// the relay authenticates itself, after body validation
	r.POST("/chat", h.Chat)
	r.OPTIONS("/chat", h.Preflight)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(d.Service.Identity()))
	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	return r
}
