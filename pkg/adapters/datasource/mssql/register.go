package mssql

import (
	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "mssql",
			DisplayName: "SQL Server",
			Description: "Microsoft SQL Server databases (historians, MES)",
		},
		Adapter: &Adapter{},
	})
}
