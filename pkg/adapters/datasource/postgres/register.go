package postgres

import (
	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "PostgreSQL databases (historians, LIMS, MES exports)",
		},
		Adapter: &Adapter{},
	})
}
