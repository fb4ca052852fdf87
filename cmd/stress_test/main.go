package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/stockflow/internal/app"
	"github.com/rl1809/stockflow/internal/config"
	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
	"github.com/rl1809/stockflow/internal/logging"
)

const (
	initialStock   = 100
	seededProducts = 3
)

func main() {
	totalRequests := flag.Int("requests", 500, "number of concurrent stock updates")
	products := flag.Int("products", 3, "number of seeded products to spread updates over")
	flag.Parse()

	if *products < 1 || *products > seededProducts {
		fatal("products must be between 1 and %d", seededProducts)
	}

	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		fatal("load config: %v", err)
	}
	if os.Getenv("DB_URI") == "" {
		dir, err := os.MkdirTemp("", "stockflow-stress")
		if err != nil {
			fatal("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		cfg.DBDriver = "sqlite3"
		cfg.DBURI = filepath.Join(dir, "stress.db")
	}
	cfg.WorkerBackoff = 10 * time.Millisecond
	cfg.KafkaBrokers = nil
	cfg.ConsulAddr = ""

	logger := logging.New("warn", "console", os.Stderr)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal("bootstrap: %v", err)
	}
	defer a.Close()

	if err := a.Migrate(ctx, true); err != nil {
		fatal("migrate: %v", err)
	}

	stopWorker := a.StartWorker()

	// Spawn concurrent requests: even requests add 2, odd requests remove 1
	var wg sync.WaitGroup
	var queued, rejected atomic.Int32
	expected := make([]atomic.Int64, *products+1)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			productID := int64(n%*products) + 1
			delta := int64(2)
			if n%2 == 1 {
				delta = -1
			}

			_, err := a.Stock.UpdateStock(ctx, service.StockUpdate{
				StoreID:   1,
				ProductID: productID,
				Delta:     delta,
				Actor:     fmt.Sprintf("stress-%d", n),
			})
			if err != nil {
				rejected.Add(1)
				return
			}
			queued.Add(1)
			expected[productID].Add(delta)
		}(i)
	}

	wg.Wait()
	enqueueElapsed := time.Since(start)

	// Wait until every queued task has produced an audit entry
	deadline := time.Now().Add(time.Minute)
	var audits int
	for time.Now().Before(deadline) {
		page, err := a.Audit.History(ctx, domain.AuditQuery{Page: 1, PerPage: 1})
		if err == nil {
			audits = page.Total
			if audits >= int(queued.Load()) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	stopWorker()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Queued:           %d\n", queued.Load())
	fmt.Printf("Rejected:         %d\n", rejected.Load())
	fmt.Printf("Enqueue Duration: %v\n", enqueueElapsed)
	fmt.Printf("Total Duration:   %v\n", elapsed)
	fmt.Printf("Audit Entries:    %d\n", audits)
	fmt.Println("==========================================")

	pass := true
	if audits != int(queued.Load()) {
		fmt.Printf("FAIL: Expected %d audit entries, got %d\n", queued.Load(), audits)
		pass = false
	}

	for p := 1; p <= *products; p++ {
		rec, err := a.Primary().GetRecord(ctx, domain.StockKey{StoreID: 1, ProductID: int64(p)})
		if err != nil || rec == nil {
			fmt.Printf("FAIL: product %d: record missing (%v)\n", p, err)
			pass = false
			continue
		}
		want := initialStock + expected[p].Load()
		if rec.Quantity != want {
			fmt.Printf("FAIL: product %d: expected quantity %d, got %d\n", p, want, rec.Quantity)
			pass = false
			continue
		}
		fmt.Printf("product %d: quantity %d\n", p, rec.Quantity)
	}

	if pass {
		fmt.Println("PASS: every delta applied exactly once")
	} else {
		os.Exit(1)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
