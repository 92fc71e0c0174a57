package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LiteSupport/server"

	"github.com/labstack/gommon/log"
)

func main() {
	s := server.NewServer()

	go s.Start(":8080")

	// 等待退出信号，优雅关停 hub、Kafka 消费者和 HTTP 服务
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}
