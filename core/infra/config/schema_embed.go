package config

import "embed"

const (
	schedulerSchemaFile = "schema/scheduler.schema.json"
	gatewaySchemaFile   = "schema/gateway.schema.json"
	safetySchemaFile    = "schema/safety.schema.json"
)

//go:embed schema/*.json
var configSchemaFS embed.FS
