package opcua

import (
	"strings"
	"time"

	"github.com/plantlink-io/plantlink-engine/pkg/apperrors"
)

// Config contains OPC UA-specific connection options.
type Config struct {
	// Endpoint is the server URL, e.g. "opc.tcp://plc1.plant.local:4840".
	Endpoint string
	// ConnectTimeout bounds the transport dial and session activation.
	ConnectTimeout time.Duration
	// SecurityPolicy is the OPC UA security policy URI suffix ("None",
	// "Basic256Sha256", ...). Defaults to "None".
	SecurityPolicy string
	// SecurityMode is "None", "Sign" or "SignAndEncrypt". Defaults to "None".
	SecurityMode string
	// Username and Password select user-token authentication when set;
	// anonymous otherwise.
	Username string
	Password string
	// TestNodeID is the node read by the liveness probe. Defaults to the
	// server status state node (ns=0;i=2259).
	TestNodeID string
}

const defaultTestNodeID = "ns=0;i=2259" // Server_ServerStatus_State

// FromMap creates a Config from a generic config map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		ConnectTimeout: 30 * time.Second,
		SecurityPolicy: "None",
		SecurityMode:   "None",
		TestNodeID:     defaultTestNodeID,
	}

	endpoint, ok := config["url"].(string)
	if !ok || endpoint == "" {
		return nil, apperrors.Invalid("url is required")
	}
	if !strings.HasPrefix(endpoint, "opc.tcp://") {
		return nil, apperrors.Invalid("url %q must start with opc.tcp://", endpoint)
	}
	cfg.Endpoint = endpoint

	if timeout, ok := config["connection_timeout"].(float64); ok { // JSON numbers are float64
		cfg.ConnectTimeout = time.Duration(timeout * float64(time.Second))
	} else if timeout, ok := config["connection_timeout"].(int); ok {
		cfg.ConnectTimeout = time.Duration(timeout) * time.Second
	}

	if policy, ok := config["security_policy"].(string); ok && policy != "" {
		cfg.SecurityPolicy = policy
	}
	if mode, ok := config["security_mode"].(string); ok && mode != "" {
		cfg.SecurityMode = mode
	}
	if username, ok := config["username"].(string); ok {
		cfg.Username = username
	}
	if password, ok := config["password"].(string); ok {
		cfg.Password = password
	}
	if node, ok := config["test_node_id"].(string); ok && node != "" {
		cfg.TestNodeID = node
	}

	return cfg, nil
}
