package modbus

import (
	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "modbus",
			DisplayName: "Modbus TCP",
			Description: "Modbus TCP devices (PLCs, meters, remote IO)",
		},
		Adapter: &Adapter{},
	})
}
