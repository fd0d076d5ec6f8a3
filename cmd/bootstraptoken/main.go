// Command bootstraptoken prints a short-lived token that signs the bootstrap
// service account in on a non-production deployment.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"myconnectionsvr/webhome/internal/bootstrap"
	"myconnectionsvr/webhome/internal/config"
)

func main() {
	ttl := flag.Duration("ttl", 15*time.Minute, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.Bootstrap.Enabled {
		log.Fatalf("bootstrap login is disabled; set AUTH_BOOTSTRAP_ENABLED=true")
	}

	issuer, err := bootstrap.NewIssuer(bootstrap.Config{
		Secret:   []byte(cfg.Auth.Bootstrap.Secret),
		Audience: cfg.Env,
		Username: cfg.Auth.Bootstrap.Username,
	})
	if err != nil {
		log.Fatalf("create issuer: %v", err)
	}
	token, err := issuer.Mint(*ttl)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	fmt.Println(token)
}
