package main

import (
	"context"
	"flag"
	"log"

	"ai-image-pipeline/internal/config"
	pg "ai-image-pipeline/internal/infra/db/postgres"
)

// One-shot maintenance tool: optionally applies the schema, then sweeps rows
// a crashed process left in non-terminal states. cmd/app runs the same sweep
// at startup; this exists for operators who want to reconcile without
// starting the service.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	applySchema := flag.Bool("schema", false, "apply the database schema before reconciling")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 2)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	if *applySchema {
		if err := pg.ApplySchema(ctx, pool); err != nil {
			log.Fatalf("schema: %v", err)
		}
		log.Println("schema applied")
	}

	tm := pg.NewTxManager(pool)
	execRepo := pg.NewExecutionRepo(pool)
	imageRepo := pg.NewImageRepo(pool, tm)

	jobs, err := execRepo.MarkOrphansFailed(ctx, nil, "interrupted by restart")
	if err != nil {
		log.Fatalf("reconcile executions: %v", err)
	}
	imgs, err := imageRepo.MarkOrphansRetryFailed(ctx, nil, "interrupted by restart")
	if err != nil {
		log.Fatalf("reconcile images: %v", err)
	}
	log.Printf("reconciled %d executions and %d images", jobs, imgs)
}
