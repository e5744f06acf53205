//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	catalogmodels "retail-backbone/catalog/internal/models"
	catalogprojection "retail-backbone/catalog/internal/projection"
	catalogrepos "retail-backbone/catalog/internal/repos"
	customerprojection "retail-backbone/customers/internal/projection"
	customerrepos "retail-backbone/customers/internal/repos"
	inventoryprojection "retail-backbone/inventory/internal/projection"
	inventoryrepos "retail-backbone/inventory/internal/repos"
	kardexprojection "retail-backbone/kardex/internal/projection"
	kardexrepos "retail-backbone/kardex/internal/repos"
	"retail-backbone/shared/dbx"
	"retail-backbone/shared/events"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/mqx"
)

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
	} else {
		t.Skip("DATABASE_URL not set")
	}

	amqpURL := os.Getenv("AMQP_URL")
	if amqpURL == "" {
		t.Skip("AMQP_URL not set")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		t.Fatalf("amqp dial failed: %v", err)
	}
	_ = conn.Close()

	if raw := os.Getenv("KAFKA_BROKERS"); strings.TrimSpace(raw) != "" {
		kconn, err := kafka.Dial("tcp", strings.TrimSpace(strings.Split(raw, ",")[0]))
		if err != nil {
			t.Fatalf("kafka dial failed: %v", err)
		}
		_ = kconn.Close()
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	if influxURL := os.Getenv("INFLUX_URL"); influxURL != "" {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("influx health failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			t.Fatalf("influx health status: %d", resp.StatusCode)
		}
	}

	if asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR"); asynqRedis != "" {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
		defer inspector.Close()
		if _, err := inspector.Queues(); err != nil {
			t.Fatalf("asynq inspector failed: %v", err)
		}
	}
}

// TestStockAndHistoryOverAMQP runs the inventory and customers projections
// against RabbitMQ and Postgres on an isolated exchange.
func TestStockAndHistoryOverAMQP(t *testing.T) {
	dbURL, amqpURL := os.Getenv("DATABASE_URL"), os.Getenv("AMQP_URL")
	if dbURL == "" || amqpURL == "" {
		t.Skip("DATABASE_URL and AMQP_URL are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	defer pool.Close()
	if err := dbx.Migrate(ctx, pool, dbx.ProcessedEventsSchema+inventoryrepos.Schema+customerrepos.Schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	suffix := uuid.NewString()[:8]
	topo := mqx.Topology{
		Exchange: "it.events." + suffix,
		Services: map[string][]mqx.QueueSpec{
			mqx.ServiceInventory: {{Name: "it.inventory." + suffix, Bindings: []string{events.RoutingKeyStockReceived, events.RoutingKeySaleCompleted}}},
			mqx.ServiceCustomers: {{Name: "it.customers." + suffix, Bindings: []string{"sale.*"}}},
		},
	}
	broker, err := mqx.NewAMQPBroker(amqpURL)
	if err != nil {
		t.Fatalf("amqp broker: %v", err)
	}
	defer broker.Close()
	if err := broker.Declare(ctx, topo); err != nil {
		t.Fatalf("declare: %v", err)
	}
	// Declaring twice is a no-op.
	if err := broker.Declare(ctx, topo); err != nil {
		t.Fatalf("redeclare: %v", err)
	}

	consumer := func(service string, register func(*mqx.Consumer)) {
		spec := topo.Services[service][0]
		c, err := mqx.NewConsumer(broker, mqx.ConsumerOptions{Exchange: topo.Exchange, Queue: spec, MaxDeliveries: 5, RetryDelay: 100 * time.Millisecond, Logger: logx.Nop()})
		if err != nil {
			t.Fatalf("consumer: %v", err)
		}
		register(c)
		go func() { _ = c.Run(ctx) }()
	}
	ledgers := inventoryrepos.NewLedgersRepo(pool)
	history := customerrepos.NewHistoryRepo(pool)
	consumer(mqx.ServiceInventory, inventoryprojection.New(ledgers, nil, logx.Nop()).Register)
	consumer(mqx.ServiceCustomers, customerprojection.New(history, logx.Nop()).Register)

	pub, err := mqx.NewPublisher(broker, topo.Exchange, "integration")
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	product, customer := "it-p-"+suffix, "it-c-"+suffix
	received := events.StockReceived{ProductID: product, Quantity: 10, PurchaseID: "it-po-" + suffix}
	for i := 0; i < 2; i++ {
		if err := pub.PublishFact(ctx, received); err != nil {
			t.Fatalf("publish receipt: %v", err)
		}
	}
	waitFor(t, ctx, func() bool {
		l, ok, err := ledgers.Get(ctx, product)
		return err == nil && ok && l.Quantity == 10
	})

	sold := events.SaleCompleted{SaleID: "it-s-" + suffix, CustomerID: customer, Items: []events.SaleItem{{ProductID: product, Quantity: 3}}}
	for i := 0; i < 2; i++ {
		if err := pub.PublishFact(ctx, sold); err != nil {
			t.Fatalf("publish sale: %v", err)
		}
	}
	waitFor(t, ctx, func() bool {
		l, ok, err := ledgers.Get(ctx, product)
		return err == nil && ok && l.Quantity == 7
	})
	waitFor(t, ctx, func() bool {
		rows, err := history.ListByCustomer(ctx, customer, 10)
		return err == nil && len(rows) == 1 && rows[0].ItemsCount == 3
	})

	// Give redeliveries a moment to land, then check nothing was double-applied.
	time.Sleep(time.Second)
	if l, _, _ := ledgers.Get(ctx, product); l.Quantity != 7 {
		t.Fatalf("stock = %d after duplicates, want 7", l.Quantity)
	}
}

// TestCreditAndCatalogRepos drives the kardex and catalog projections straight
// against Postgres.
func TestCreditAndCatalogRepos(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	defer pool.Close()
	if err := dbx.Migrate(ctx, pool, kardexrepos.Schema+catalogrepos.Schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	suffix := uuid.NewString()[:8]

	accounts := kardexrepos.NewAccountsRepo(pool)
	credit := kardexprojection.New(accounts, logx.Nop())
	approval := events.CustomerCreditApproved{
		CustomerID:           "it-c-" + suffix,
		CustomerName:         "Integration",
		IdentificationType:   "CC",
		IdentificationNumber: "it-" + suffix,
		CreditLimit:          decimal.NewFromInt(500),
		PaymentTermDays:      30,
		OpeningBalance:       decimal.NewFromInt(50),
	}
	for i := 0; i < 2; i++ {
		if err := credit.CreditApproved(ctx, approval); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	sale := events.SaleCompleted{
		SaleID:               "it-s-" + suffix,
		Items:                []events.SaleItem{{ProductID: "p", Quantity: 1}},
		IdentificationType:   "CC",
		IdentificationNumber: "it-" + suffix,
		PaymentMethod:        events.PaymentMethodCredit,
		Total:                decimal.RequireFromString("99.99"),
	}
	for i := 0; i < 2; i++ {
		if err := credit.CreditSale(ctx, sale); err != nil {
			t.Fatalf("credit sale: %v", err)
		}
	}
	var account uuid.UUID
	err = accounts.InTx(ctx, func(tx kardexprojection.AccountTx) error {
		a, found, err := tx.FindAccount(ctx, kardexprojection.AccountKey{IdentificationType: "CC", IdentificationNumber: "it-" + suffix})
		if err != nil || !found {
			t.Fatalf("account lookup: found=%v err=%v", found, err)
		}
		if !a.CurrentBalance.Equal(decimal.RequireFromString("149.99")) {
			t.Fatalf("balance = %s, want 149.99", a.CurrentBalance)
		}
		account = a.ID
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	movements, err := accounts.Movements(ctx, account)
	if err != nil || len(movements) != 2 {
		t.Fatalf("movements: n=%d err=%v", len(movements), err)
	}

	products := catalogrepos.NewProductsRepo(pool)
	productID := "it-p-" + suffix
	if err := products.Upsert(ctx, catalogmodels.Product{ProductID: productID, Name: "Tea", Price: decimal.NewFromInt(3), UpdatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	pct := events.PurchaseSalePercentagesUpdated{PurchaseID: "it-po-" + suffix, Items: []events.SalePercentageItem{{ProductID: productID, SalePercentage: decimal.NewFromInt(35)}}}
	if err := catalogprojection.New(products, logx.Nop()).SalePercentagesUpdated(ctx, pct); err != nil {
		t.Fatalf("sale percentage: %v", err)
	}
	var stored decimal.Decimal
	if err := pool.QueryRow(ctx, `SELECT sale_percentage FROM products WHERE product_id = $1`, productID).Scan(&stored); err != nil {
		t.Fatalf("read percentage: %v", err)
	}
	if !stored.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("sale percentage = %s, want 35", stored)
	}
}

func waitFor(t *testing.T, ctx context.Context, cond func() bool) {
	t.Helper()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("condition not met before timeout")
		case <-ticker.C:
		}
	}
}

// TestConcurrentLedgerOpen races the first receipts of a new product against
// its creation. Every receipt must survive.
func TestConcurrentLedgerOpen(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	defer pool.Close()
	if err := dbx.Migrate(ctx, pool, dbx.ProcessedEventsSchema+inventoryrepos.Schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ledgers := inventoryrepos.NewLedgersRepo(pool)
	p := inventoryprojection.New(ledgers, nil, logx.Nop())
	product := "it-race-" + uuid.NewString()[:8]

	const receipts = 8
	var wg sync.WaitGroup
	errs := make(chan error, receipts+1)
	for i := 0; i < receipts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- p.StockReceived(ctx, events.StockReceived{ProductID: product, Quantity: 10, PurchaseID: fmt.Sprintf("po-%d", i)})
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- p.ProductCreated(ctx, events.ProductCreated{ProductID: product, Name: "race"})
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("projection: %v", err)
		}
	}

	l, ok, err := ledgers.Get(ctx, product)
	if err != nil || !ok {
		t.Fatalf("ledger: ok=%v err=%v", ok, err)
	}
	if l.Quantity != receipts*10 {
		t.Fatalf("quantity = %d, want %d", l.Quantity, receipts*10)
	}
	if l.CreatedAt.IsZero() || l.CreatedAt.After(l.UpdatedAt) {
		t.Fatalf("created_at %v, updated_at %v", l.CreatedAt, l.UpdatedAt)
	}
}
