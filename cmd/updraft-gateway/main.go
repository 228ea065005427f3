package main

import (
	"log"

	"github.com/updraft-io/updraft/core/controlplane/gateway"
	"github.com/updraft-io/updraft/core/infra/buildinfo"
	"github.com/updraft-io/updraft/core/infra/config"
)

func main() {
	log.Println("updraft gateway starting...")
	buildinfo.Log("updraft-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
