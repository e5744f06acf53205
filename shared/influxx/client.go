package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"retail-backbone/shared/config"
	"retail-backbone/shared/metricsx"
)

const measurementStockLevel = "stock_level"

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

// Configured reports whether every INFLUX_* setting needed to write is present.
func Configured(cfg config.Config) bool {
	return cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != ""
}

func New(cfg config.Config) (*Client, error) {
	if !Configured(cfg) {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	if err := c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, p); err != nil {
		metricsx.IncInfluxWriteFailure()
		return err
	}
	return nil
}

// WriteStockLevel records the on-hand quantity of a product after a change.
func (c *Client) WriteStockLevel(ctx context.Context, productID string, quantity int64, delta int64, cause string, at time.Time) error {
	return c.WritePoint(ctx, measurementStockLevel,
		map[string]string{"product_id": productID, "cause": cause},
		map[string]any{"quantity": quantity, "delta": delta},
		at,
	)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
