package http

import (
	"github.com/flotilla-dev/flotilla/internal/agents"
	"github.com/flotilla-dev/flotilla/internal/api/http/handler"
	"github.com/flotilla-dev/flotilla/internal/api/http/middleware"
	"github.com/flotilla-dev/flotilla/internal/events"
	"github.com/flotilla-dev/flotilla/internal/ratelimit"
	"github.com/flotilla-dev/flotilla/internal/registry"
	"github.com/flotilla-dev/flotilla/internal/rotation"
	"github.com/flotilla-dev/flotilla/internal/settings"
	"github.com/gin-gonic/gin"
)

type Config struct {
	Port      uint   `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Services struct {
	AgentService *agents.Service
	Registry     *registry.Registry
	Rotation     *rotation.Controller
	Limiter      *ratelimit.Limiter
	Events       *events.Logger
	Settings     *settings.Provider
	ServerID     string
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	connectHandler := handler.NewConnectHandler(srvs.Registry, srvs.Rotation, srvs.AgentService, srvs.Limiter, srvs.Events, srvs.ServerID)
	engine.GET("/agent/connect", connectHandler.Connect)
	engine.POST("/agent/enroll", connectHandler.Enroll)

	agentsHandler := handler.NewAgentsHandler(srvs.AgentService, srvs.Registry, srvs.Rotation, srvs.Settings)

	api := engine.Group("/api", middleware.JWTAuth(cfg.JWTSecret))
	api.GET("/agents", agentsHandler.ListAgents)
	api.GET("/agents/:id", agentsHandler.GetAgent)
	api.POST("/agents", agentsHandler.CreateAgent)
	api.POST("/agents/:id/rotate", agentsHandler.RotateToken)
	api.POST("/agents/:id/command", agentsHandler.SendCommand)
	api.POST("/agents/:id/registration-codes", agentsHandler.CreateRegistrationCode)
}
