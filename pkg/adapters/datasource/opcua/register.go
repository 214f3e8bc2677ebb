package opcua

import (
	"github.com/plantlink-io/plantlink-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "opcua",
			DisplayName: "OPC UA",
			Description: "OPC UA servers (PLCs, gateways, historians)",
		},
		Adapter: &Adapter{},
	})
}
