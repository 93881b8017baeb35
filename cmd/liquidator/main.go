package main

import (
	"log"

	"lendbook/services/liquidator"
)

func main() {
	if err := liquidator.Main(); err != nil {
		log.Fatalf("liquidator: %v", err)
	}
}
