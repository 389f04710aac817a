package config

import (
	"os"

	"go.uber.org/fx"
)

// Module loads the process configuration once at start. The config file path
// comes from BILLING_CONFIG; an empty value runs on defaults plus env
// overrides.
var Module = fx.Module("config",
	fx.Provide(func() (Config, error) {
		return Load(os.Getenv("BILLING_CONFIG"))
	}),
)
