package main

import (
	"retail-backbone/kardex/internal/projection"
	"retail-backbone/kardex/internal/repos"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/svc"
)

func main() {
	app := svc.Init(mqx.ServiceKardex, "kardex-consumer", 8094)
	app.Migrate(repos.Schema)

	sales := app.Consumer(mqx.QueueKardexSales)
	approvals := app.Consumer(mqx.QueueKardexCreditApprovals)
	projection.New(repos.NewAccountsRepo(app.Pool), app.Logger).Register(sales, approvals)

	app.Run(sales, approvals)
}
