package cli

import (
	"github.com/zot/lua-include/internal/config"
	"github.com/zot/lua-include/internal/loader"
	"github.com/zot/lua-include/internal/lua"
	"github.com/zot/lua-include/internal/registry"
)

// Re-exported for wrapper projects that add commands through Hooks.
type (
	Config          = config.Config
	TransportConfig = config.TransportConfig
	ServerConfig    = config.ServerConfig
	LoggingConfig   = config.LoggingConfig
	Duration        = config.Duration

	Loader          = loader.Loader
	Runtime         = lua.Runtime
	EvaluationError = lua.EvaluationError
	CycleError      = loader.CycleError
	SourceRecord    = registry.SourceRecord
)

var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
	ErrorKind     = loader.Kind
	LuaToGo       = lua.LuaToGo
)
