package main

import (
	"context"
	"log/slog"

	"retail-backbone/inventory/internal/projection"
	"retail-backbone/inventory/internal/repos"
	"retail-backbone/shared/influxx"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/svc"
)

func main() {
	app := svc.Init(mqx.ServiceInventory, "inventory-consumer", 8091)
	app.Migrate(repos.Schema)

	var observer projection.StockObserver
	if influxx.Configured(app.Cfg) {
		client, err := influxx.New(app.Cfg)
		if err != nil {
			app.Logger.Warn(context.Background(), "influx_init_failed", "stock levels will not be recorded",
				slog.String("error", err.Error()),
			)
		} else {
			observer = client
			app.OnClose(client.Close)
		}
	}

	consumer := app.Consumer(mqx.QueueInventoryEvents)
	projection.New(repos.NewLedgersRepo(app.Pool), observer, app.Logger).Register(consumer)

	app.Run(consumer)
}
