package main

import (
	"log"

	"fooddelivery/internal/orders/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("orders service failed: %v", err)
	}
}
