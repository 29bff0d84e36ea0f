package http

import (
	"github.com/EternisAI/silo-relay/internal/api/http/handler"
	"github.com/EternisAI/silo-relay/internal/api/http/middleware"
	"github.com/EternisAI/silo-relay/internal/cert"
	"github.com/EternisAI/silo-relay/internal/enroll"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/EternisAI/silo-relay/internal/ws"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Relay     *relay.Service
	WebSocket *ws.Handler
	Enroll    *enroll.Store
	Authority *cert.Authority
	Version   string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Version)
	engine.GET("/health", healthHandler.Check)

	if srvs.WebSocket != nil {
		engine.GET("/ws/:agent_id", srvs.WebSocket.Handle)
	}

	api := engine.Group("/api/v1")

	agentKey := middleware.AgentKey(srvs.Relay)
	agentHandler := handler.NewAgentHandler(srvs.Relay)
	api.POST("/agents/register", agentKey, agentHandler.Register)
	api.POST("/agents/poll", agentKey, agentHandler.Poll)
	api.POST("/agents/result", agentKey, agentHandler.Result)

	authHandler := handler.NewAuthHandler(srvs.Relay.Gate())
	api.POST("/auth/login", authHandler.Login)

	operator := api.Group("", middleware.OperatorCredentials())
	operator.POST("/auth/logout", authHandler.Logout)

	operatorHandler := handler.NewOperatorHandler(srvs.Relay)
	operator.GET("/agents", operatorHandler.ListAgents)
	operator.GET("/agents/:id", operatorHandler.GetAgent)
	operator.DELETE("/agents/:id", operatorHandler.DisconnectAgent)
	operator.POST("/commands", operatorHandler.SendCommand)
	operator.POST("/commands/result", operatorHandler.CommandResult)

	if srvs.Enroll != nil {
		enrollHandler := handler.NewEnrollHandler(srvs.Relay.Gate(), srvs.Enroll, srvs.Authority)
		api.POST("/agents/enroll", enrollHandler.Enroll)
		operator.POST("/enrollment-keys", enrollHandler.CreateKey)
		operator.GET("/enrollment-keys", enrollHandler.ListKeys)
		operator.DELETE("/enrollment-keys/:agent_id", enrollHandler.RevokeKeys)
	}
}
