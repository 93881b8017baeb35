package main

import (
	"log"

	"lendbook/services/lendingd"
)

func main() {
	if err := lendingd.Main(); err != nil {
		log.Fatalf("lendingd: %v", err)
	}
}
