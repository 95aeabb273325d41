package main

import (
	"log"

	"github.com/flowpress/flowpress/core/enginesvc"
	"github.com/flowpress/flowpress/core/infra/buildinfo"
	"github.com/flowpress/flowpress/core/infra/config"
)

func main() {
	log.Println("flowpress engine starting...")
	buildinfo.Log("flowpress-engine")
	cfg := config.Load()
	if err := enginesvc.Run(cfg); err != nil {
		log.Fatalf("engine error: %v", err)
	}
}
