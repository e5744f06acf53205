// Command eventctl declares the broker topology and injects facts by hand,
// either straight onto the exchange or through a producer's outbox.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"retail-backbone/shared/config"
	"retail-backbone/shared/dbx"
	"retail-backbone/shared/events"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/outbox"
)

const usage = `usage: eventctl <command> [flags]

commands:
  declare   declare the exchange, every queue and its bindings
  publish   publish one fact to the exchange
  enqueue   write one fact to the outbox for the relay to publish
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "declare":
		err = runDeclare(ctx, os.Args[2:])
	case "publish":
		err = runPublish(ctx, os.Args[2:], os.Stdin)
	case "enqueue":
		err = runEnqueue(ctx, os.Args[2:], os.Stdin)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, problems := config.Load("eventctl", 8099)
	problems = append(problems, cfg.RequireBroker()...)
	if len(problems) > 0 {
		msgs := make([]string, 0, len(problems))
		for _, p := range problems {
			msgs = append(msgs, p.Field+": "+p.Message)
		}
		return cfg, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

func dial(ctx context.Context, cfg config.Config) (mqx.Broker, mqx.Topology, error) {
	topology, err := mqx.LoadTopology(cfg.TopologyPath, cfg.BrokerExchange)
	if err != nil {
		return nil, mqx.Topology{}, err
	}
	broker, err := mqx.Dial(cfg)
	if err != nil {
		return nil, mqx.Topology{}, err
	}
	if err := broker.Declare(ctx, topology); err != nil {
		_ = broker.Close()
		return nil, mqx.Topology{}, err
	}
	return broker, topology, nil
}

func runDeclare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("declare", flag.ExitOnError)
	_ = fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	broker, topology, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()
	for _, q := range topology.Queues() {
		fmt.Printf("%s -> %s [%s] parking=%s\n", topology.Exchange, q.Name, strings.Join(q.Bindings, ", "), q.Parking())
	}
	return nil
}

// factFlags are shared by publish and enqueue.
type factFlags struct {
	key    *string
	data   *string
	file   *string
	source *string
}

func bindFactFlags(fs *flag.FlagSet) factFlags {
	return factFlags{
		key:    fs.String("key", "", "Required: routing key, e.g. stock.received"),
		data:   fs.String("data", "", "JSON payload"),
		file:   fs.String("file", "", "Read the JSON payload from this file ('-' for stdin)"),
		source: fs.String("source", "eventctl", "Source header recorded on the message"),
	}
}

func runPublish(ctx context.Context, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	ff := bindFactFlags(fs)
	id := fs.String("id", "", "Message id (default: random uuid)")
	_ = fs.Parse(args)

	body, _, err := readFact(*ff.key, *ff.data, *ff.file, stdin)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	broker, topology, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	publisher, err := mqx.NewPublisher(broker, topology.Exchange, *ff.source)
	if err != nil {
		return err
	}
	msg := mqx.Message{MessageID: *id, RoutingKey: *ff.key, Body: body}
	if err := publisher.PublishRaw(ctx, msg); err != nil {
		return err
	}
	fmt.Printf("published %s to %s\n", *ff.key, topology.Exchange)
	return nil
}

func runEnqueue(ctx context.Context, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	ff := bindFactFlags(fs)
	_ = fs.Parse(args)

	_, fact, err := readFact(*ff.key, *ff.data, *ff.file, stdin)
	if err != nil {
		return err
	}
	cfg, _ := config.Load("eventctl", 8099)
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := dbx.NewPool(cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := dbx.Migrate(ctx, pool, outbox.Schema); err != nil {
		return err
	}

	writer, err := outbox.NewWriter(outbox.NewRepo(pool), *ff.source)
	if err != nil {
		return err
	}
	var row outbox.Event
	err = dbx.InTx(ctx, pool, func(tx pgx.Tx) error {
		row, err = writer.Enqueue(ctx, tx, fact)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s as %s\n", row.RoutingKey, row.EventID)
	return nil
}

// readFact loads the payload and checks it decodes as the fact registered for
// key. The raw body is returned untouched so unknown fields survive.
func readFact(key string, data string, file string, stdin io.Reader) ([]byte, any, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil, errors.New("-key is required")
	}
	var body []byte
	switch {
	case data != "" && file != "":
		return nil, nil, errors.New("use either -data or -file")
	case data != "":
		body = []byte(data)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, nil, err
		}
		body = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, nil, err
		}
		body = b
	default:
		return nil, nil, errors.New("-data or -file is required")
	}
	fact, err := events.Decode(key, body)
	if err != nil {
		return nil, nil, err
	}
	return body, fact, nil
}
