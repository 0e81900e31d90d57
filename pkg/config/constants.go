package config

// EnvPrefix is the envconfig prefix shared by all services.
const EnvPrefix = "ordermesh"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "ORDERMESH_DB_DSN"
	EnvDBHost = "ORDERMESH_DB_HOST"
	EnvDBUser = "ORDERMESH_DB_USER"
	EnvDBName = "ORDERMESH_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

// SlowPolicyClose disconnects a saturated websocket client instead of
// dropping the message.
const SlowPolicyClose = "close"
