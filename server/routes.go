package server

import (
	"time"

	custommiddleware "LiteSupport/middleware"

	"github.com/labstack/echo/v4"
)

func (s *Server) SetupRoutes(authMiddleware echo.MiddlewareFunc, adminMiddleware echo.MiddlewareFunc) {
	e := s.Echo
	api := e.Group("/api/v1")

	// Auth routes (unprotected)
	auth := api.Group("/auth")
	{
		auth.POST("/register", s.AuthHandler.Register)
		login := auth.Group("")
		if s.RateLimiter != nil {
			login.Use(custommiddleware.NewRateLimitMiddleware(s.RateLimiter, custommiddleware.RateLimitConfig{
				Limit:  10,
				Window: time.Minute,
			}))
		}
		login.POST("/login", s.AuthHandler.Login)
		auth.POST("/refresh", s.AuthHandler.RefreshToken)
	}

	// 需要认证
	protected := api.Group("")
	protected.Use(authMiddleware)
	{
		protected.GET("/user", s.AuthHandler.GetCurrentUser)

		// Support chat routes
		support := protected.Group("/support")
		{
			support.GET("/ws", s.SupportHandler.HandleWebSocket)                       // 事件通道
			support.GET("/sessions/:sessionId/messages", s.HistoryHandler.GetMessages) // 获取历史消息
		}

		admin := support.Group("")
		admin.Use(adminMiddleware)
		{
			admin.GET("/sessions", s.HistoryHandler.ListSessions)               // 会话摘要列表
			admin.GET("/queue", s.HistoryHandler.GetQueue)                      // 权威待处理队列
			admin.GET("/online-operators", s.HistoryHandler.GetOnlineOperators) // 在线客服
		}
	}
}
