package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/ragops/core/controlplane/gateway"
	"github.com/cordum/ragops/core/infra/buildinfo"
	"github.com/cordum/ragops/core/infra/config"
)

func main() {
	log.Println("ragops gateway starting...")
	buildinfo.Log("ragops-gateway")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := gateway.Run(ctx, config.Load()); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
