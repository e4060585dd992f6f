package main

import (
	"log"

	"github.com/Astralabs2050/render-backend-sub001/services/escrowd"
)

func main() {
	if err := escrowd.Main(); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}
