package main

import (
	"retail-backbone/customers/internal/projection"
	"retail-backbone/customers/internal/repos"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/svc"
)

func main() {
	app := svc.Init(mqx.ServiceCustomers, "customers-consumer", 8092)
	app.Migrate(repos.Schema)

	consumer := app.Consumer(mqx.QueueCustomersEvents)
	projection.New(repos.NewHistoryRepo(app.Pool), app.Logger).Register(consumer)

	app.Run(consumer)
}
