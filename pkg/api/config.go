package api

import deuceconfig "github.com/marmos91/deuce/pkg/config"

// Config is the HTTP server's view of the API section of the process
// configuration.
type Config = deuceconfig.APIConfig
