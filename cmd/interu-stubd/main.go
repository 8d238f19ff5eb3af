package main

import (
	"log"
	"os"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/interu-dev/interu-go/internal/config"
	"github.com/interu-dev/interu-go/internal/stubserver"
)

func main() {
	cfg := config.Load()

	dsn := os.Getenv("INTERU_STUB_DB")
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	srv, err := stubserver.NewServer(db, cfg.StubJWTSecret)
	if err != nil {
		log.Fatalf("init stub: %v", err)
	}

	log.Printf("stub backend listening on %s (db=%s)", cfg.StubAddr, dsn)
	if err := srv.Router().Run(cfg.StubAddr); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
