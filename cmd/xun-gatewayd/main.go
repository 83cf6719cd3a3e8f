package main

import (
	"log"

	gateway "github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway"
)

func main() {
	if err := gateway.Main(); err != nil {
		log.Fatalf("xun-gatewayd: %v", err)
	}
}
