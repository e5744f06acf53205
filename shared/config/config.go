package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BrokerAMQP   = "amqp"
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env                   string
	ServiceName           string
	HTTPPort              int
	LogLevel              string
	ConfigPath            string
	RequestTimeoutMS      int
	RequestTimeout        time.Duration
	DatabaseURL           string
	DBMaxConns            int
	DBMinConns            int
	DBConnMaxIdleSec      int
	DBConnMaxLifeSec      int
	BrokerDriver          string
	AMQPURL               string
	BrokerExchange        string
	TopologyPath          string
	KafkaBrokers          []string
	KafkaClientID         string
	KafkaRetryMax         int
	KafkaWriteMS          int
	ConsumerMaxDeliveries int
	ConsumerRetryDelayMS  int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AsynqRedisAddr        string
	AsynqRedisPass        string
	AsynqRedisDB          int
	AsynqQueue            string
	AsynqConcurrency      int
	OutboxScanSec         int
	OutboxBatchSize       int
	OutboxMaxAttempts     int
	InfluxURL             string
	InfluxToken           string
	InfluxOrg             string
	InfluxBucket          string
	InfluxTimeoutMS       int
	OtelEnabled           bool
	OtelEndpoint          string
	OtelInsecure          bool
	OtelSampleRatio       float64
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindCSV
)

// field binds one configuration key to its Config destination so the JSON file
// and the environment share a single parsing path.
type field struct {
	key  string
	kind fieldKind
	str  *string
	num  *int
	flag *bool
	flt  *float64
	list *[]string
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	_ = godotenv.Load()

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                   envRaw,
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		ConfigPath:            strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:      30000,
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		BrokerDriver:          BrokerAMQP,
		BrokerExchange:        "retail.events",
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		ConsumerMaxDeliveries: 10,
		ConsumerRetryDelayMS:  1000,
		AsynqQueue:            "outbox",
		AsynqConcurrency:      10,
		OutboxScanSec:         5,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     20,
		InfluxTimeoutMS:       5000,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	problems = append(problems, validate(&cfg, httpPortDefault)...)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int) []Problem {
	var problems []Problem
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	cfg.BrokerDriver = strings.ToLower(strings.TrimSpace(cfg.BrokerDriver))
	switch cfg.BrokerDriver {
	case BrokerAMQP, BrokerKafka, BrokerMemory:
	default:
		problems = append(problems, Problem{Field: "BROKER_DRIVER", Message: "BROKER_DRIVER must be amqp, kafka or memory"})
		cfg.BrokerDriver = BrokerAMQP
	}
	if strings.TrimSpace(cfg.BrokerExchange) == "" {
		problems = append(problems, Problem{Field: "BROKER_EXCHANGE", Message: "BROKER_EXCHANGE is required"})
		cfg.BrokerExchange = "retail.events"
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.ConsumerMaxDeliveries < 0 {
		problems = append(problems, Problem{Field: "CONSUMER_MAX_DELIVERIES", Message: "CONSUMER_MAX_DELIVERIES must be >= 0"})
		cfg.ConsumerMaxDeliveries = 10
	}
	if cfg.ConsumerRetryDelayMS < 0 {
		problems = append(problems, Problem{Field: "CONSUMER_RETRY_DELAY_MS", Message: "CONSUMER_RETRY_DELAY_MS must be >= 0"})
		cfg.ConsumerRetryDelayMS = 1000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.OutboxScanSec <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_SCAN_INTERVAL_SECONDS", Message: "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	return problems
}

// RequireBroker reports the settings the selected broker driver cannot run without.
func (c Config) RequireBroker() []Problem {
	switch c.BrokerDriver {
	case BrokerAMQP:
		if c.AMQPURL == "" {
			return []Problem{{Field: "AMQP_URL", Message: "AMQP_URL is required"}}
		}
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 {
			return []Problem{{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"}}
		}
	}
	return nil
}

func (c Config) ConsumerRetryDelay() time.Duration {
	return time.Duration(c.ConsumerRetryDelayMS) * time.Millisecond
}

func fields(cfg *Config) []field {
	return []field{
		{key: "SERVICE_NAME", kind: kindString, str: &cfg.ServiceName},
		{key: "HTTP_PORT", kind: kindInt, num: &cfg.HTTPPort},
		{key: "LOG_LEVEL", kind: kindString, str: &cfg.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", kind: kindInt, num: &cfg.RequestTimeoutMS},
		{key: "DATABASE_URL", kind: kindString, str: &cfg.DatabaseURL},
		{key: "DB_MAX_CONNS", kind: kindInt, num: &cfg.DBMaxConns},
		{key: "DB_MIN_CONNS", kind: kindInt, num: &cfg.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", kind: kindInt, num: &cfg.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", kind: kindInt, num: &cfg.DBConnMaxLifeSec},
		{key: "BROKER_DRIVER", kind: kindString, str: &cfg.BrokerDriver},
		{key: "AMQP_URL", kind: kindSecret, str: &cfg.AMQPURL},
		{key: "BROKER_EXCHANGE", kind: kindString, str: &cfg.BrokerExchange},
		{key: "TOPOLOGY_PATH", kind: kindString, str: &cfg.TopologyPath},
		{key: "KAFKA_BROKERS", kind: kindCSV, list: &cfg.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", kind: kindString, str: &cfg.KafkaClientID},
		{key: "KAFKA_RETRY_MAX", kind: kindInt, num: &cfg.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", kind: kindInt, num: &cfg.KafkaWriteMS},
		{key: "CONSUMER_MAX_DELIVERIES", kind: kindInt, num: &cfg.ConsumerMaxDeliveries},
		{key: "CONSUMER_RETRY_DELAY_MS", kind: kindInt, num: &cfg.ConsumerRetryDelayMS},
		{key: "REDIS_ADDR", kind: kindString, str: &cfg.RedisAddr},
		{key: "REDIS_PASSWORD", kind: kindSecret, str: &cfg.RedisPassword},
		{key: "REDIS_DB", kind: kindInt, num: &cfg.RedisDB},
		{key: "ASYNQ_REDIS_ADDR", kind: kindString, str: &cfg.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", kind: kindSecret, str: &cfg.AsynqRedisPass},
		{key: "ASYNQ_REDIS_DB", kind: kindInt, num: &cfg.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", kind: kindString, str: &cfg.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", kind: kindInt, num: &cfg.AsynqConcurrency},
		{key: "OUTBOX_SCAN_INTERVAL_SECONDS", kind: kindInt, num: &cfg.OutboxScanSec},
		{key: "OUTBOX_BATCH_SIZE", kind: kindInt, num: &cfg.OutboxBatchSize},
		{key: "OUTBOX_MAX_ATTEMPTS", kind: kindInt, num: &cfg.OutboxMaxAttempts},
		{key: "INFLUX_URL", kind: kindString, str: &cfg.InfluxURL},
		{key: "INFLUX_TOKEN", kind: kindSecret, str: &cfg.InfluxToken},
		{key: "INFLUX_ORG", kind: kindString, str: &cfg.InfluxOrg},
		{key: "INFLUX_BUCKET", kind: kindString, str: &cfg.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", kind: kindInt, num: &cfg.InfluxTimeoutMS},
		{key: "OTEL_ENABLED", kind: kindBool, flag: &cfg.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", kind: kindString, str: &cfg.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", kind: kindBool, flag: &cfg.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", kind: kindFloat, flt: &cfg.OtelSampleRatio},
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" && strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		setField(field{key: "HTTP_PORT", kind: kindInt, num: &cfg.HTTPPort}, v, problems)
	}
	for _, f := range fields(cfg) {
		raw, ok := os.LookupEnv(f.key)
		if !ok {
			continue
		}
		if f.kind != kindSecret && strings.TrimSpace(raw) == "" {
			continue
		}
		setField(f, raw, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]field)
	for _, f := range fields(cfg) {
		byKey[f.key] = f
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		f, ok := byKey[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case []any:
			if f.kind == kindCSV {
				*f.list = parseAnyCSV(t)
				continue
			}
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must not be a list"})
		case bool:
			if f.kind == kindBool {
				*f.flag = t
				continue
			}
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must not be a boolean"})
		default:
			setField(f, fmt.Sprint(t), problems)
		}
	}
}

func setField(f field, raw string, problems *[]Problem) {
	switch f.kind {
	case kindString:
		if s := strings.TrimSpace(raw); s != "" {
			*f.str = s
		}
	case kindSecret:
		*f.str = raw
	case kindInt:
		n, ok := asInt(raw)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be an integer"})
			return
		}
		*f.num = n
	case kindBool:
		b, ok := asBool(raw)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a boolean"})
			return
		}
		*f.flag = b
	case kindFloat:
		n, ok := asFloat(raw)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a number"})
			return
		}
		*f.flt = n
	case kindCSV:
		*f.list = parseCSV(raw)
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if i, err := strconv.Atoi(v); err == nil {
		return i, true
	}
	// json.Number values such as "5.0" still describe an integer.
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f, err == nil
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
