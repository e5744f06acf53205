package main

import (
	"retail-backbone/catalog/internal/projection"
	"retail-backbone/catalog/internal/repos"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/svc"
)

func main() {
	app := svc.Init(mqx.ServiceCatalog, "catalog-consumer", 8093)
	app.Migrate(repos.Schema)

	consumer := app.Consumer(mqx.QueueCatalogEvents)
	projection.New(repos.NewProductsRepo(app.Pool), app.Logger).Register(consumer)

	app.Run(consumer)
}
