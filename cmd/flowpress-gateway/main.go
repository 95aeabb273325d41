package main

import (
	"log"

	"github.com/flowpress/flowpress/core/gateway"
	"github.com/flowpress/flowpress/core/infra/buildinfo"
	"github.com/flowpress/flowpress/core/infra/config"
)

func main() {
	log.Println("flowpress gateway starting...")
	buildinfo.Log("flowpress-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
