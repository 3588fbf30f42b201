package config

// GatewayConfig is the root configuration for the gateway process and its
// workers, loaded via Load (cleanenv, TOML + env overrides).
type GatewayConfig struct {
	Database struct {
		Host            string `toml:"host" env:"ARKGW_DB_HOST"`
		Port            string `toml:"port" env:"ARKGW_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"ARKGW_DB_USER"`
		Password        string `toml:"password" env:"ARKGW_DB_PASSWORD"`
		DB              string `toml:"db" env:"ARKGW_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"ARKGW_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"ARKGW_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"ARKGW_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"ARKGW_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"ARKGW_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"ARKGW_REDIS_HOST"`
		Port     string `toml:"port" env:"ARKGW_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"ARKGW_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"ARKGW_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Arkd struct {
		GRPCHost     string `toml:"grpc_host" env:"ARKGW_ARKD_GRPC_HOST"`
		GRPCPort     string `toml:"grpc_port" env:"ARKGW_ARKD_GRPC_PORT" env-default:"10009"`
		TLSCertPath  string `toml:"tls_cert_path" env:"ARKGW_ARKD_TLS_CERT_PATH"`
		MacaroonPath string `toml:"macaroon_path" env:"ARKGW_ARKD_MACAROON_PATH"`
	} `toml:"arkd"`

	Tapd struct {
		GRPCHost     string `toml:"grpc_host" env:"ARKGW_TAPD_GRPC_HOST"`
		GRPCPort     string `toml:"grpc_port" env:"ARKGW_TAPD_GRPC_PORT" env-default:"10029"`
		TLSCertPath  string `toml:"tls_cert_path" env:"ARKGW_TAPD_TLS_CERT_PATH"`
		MacaroonPath string `toml:"macaroon_path" env:"ARKGW_TAPD_MACAROON_PATH"`
	} `toml:"tapd"`

	Lnd struct {
		GRPCHost              string `toml:"grpc_host" env:"ARKGW_LND_GRPC_HOST"`
		GRPCPort              string `toml:"grpc_port" env:"ARKGW_LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"ARKGW_LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"ARKGW_LND_MACAROON_PATH"`
		Network               string `toml:"network" env:"ARKGW_LND_NETWORK" env-default:"testnet"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"ARKGW_LND_PAYMENT_TIMEOUT_SECONDS" env-default:"30"`
		MaxPaymentFeeSats     int64  `toml:"max_payment_fee_sats" env:"ARKGW_LND_MAX_PAYMENT_FEE_SATS" env-default:"100"`
	} `toml:"lnd"`

	// Ceremony governs the signing orchestrator's timeouts.
	Ceremony struct {
		SessionTimeoutSeconds   int     `toml:"session_timeout_seconds" env:"ARKGW_SESSION_TIMEOUT_SECONDS" env-default:"300"`
		ChallengeTimeoutSeconds int     `toml:"challenge_timeout_seconds" env:"ARKGW_CHALLENGE_TIMEOUT_SECONDS" env-default:"180"`
		CeremonyTimeoutSeconds  int     `toml:"ceremony_timeout_seconds" env:"ARKGW_CEREMONY_TIMEOUT_SECONDS" env-default:"300"`
		StepTimeoutSeconds      int     `toml:"step_timeout_seconds" env:"ARKGW_STEP_TIMEOUT_SECONDS" env-default:"60"`
		SignatureScheme         string  `toml:"signature_scheme" env:"ARKGW_SIGNATURE_SCHEME" env-default:"ECDSA-SHA256"`
	} `toml:"ceremony"`

	Vtxo struct {
		ExpirySeconds             int     `toml:"vtxo_expiry_seconds" env:"ARKGW_VTXO_EXPIRY_SECONDS" env-default:"86400"`
		DefaultAmount             int64   `toml:"vtxo_default_amount" env:"ARKGW_VTXO_DEFAULT_AMOUNT" env-default:"100000"`
		MinPerAsset               int     `toml:"min_vtxos_per_asset" env:"ARKGW_MIN_VTXOS_PER_ASSET" env-default:"10"`
		MaxPerAsset               int     `toml:"max_vtxos_per_asset" env:"ARKGW_MAX_VTXOS_PER_ASSET" env-default:"100"`
		ReplenishmentThreshold    float64 `toml:"replenishment_threshold" env:"ARKGW_REPLENISHMENT_THRESHOLD" env-default:"0.3"`
		InventoryMonitorInterval int     `toml:"inventory_monitor_interval_seconds" env:"ARKGW_INVENTORY_MONITOR_INTERVAL_SECONDS" env-default:"300"`
		SettlementInterval       int     `toml:"settlement_interval_seconds" env:"ARKGW_SETTLEMENT_INTERVAL_SECONDS" env-default:"3600"`
		DustLimit                int64   `toml:"dust_limit" env:"ARKGW_DUST_LIMIT" env-default:"546"`
		MinFee                   int64   `toml:"min_fee" env:"ARKGW_MIN_FEE" env-default:"100"`
	} `toml:"vtxo"`

	Asset struct {
		ReserveRatio float64 `toml:"reserve_ratio" env:"ARKGW_RESERVE_RATIO" env-default:"0.1"`
	} `toml:"asset"`

	Lightning struct {
		MonitorIntervalSeconds int `toml:"lightning_monitor_interval_seconds" env:"ARKGW_LIGHTNING_MONITOR_INTERVAL_SECONDS" env-default:"5"`
		InvoiceExpirySeconds   int `toml:"invoice_expiry_seconds" env:"ARKGW_INVOICE_EXPIRY_SECONDS" env-default:"3600"`
	} `toml:"lightning"`
}
