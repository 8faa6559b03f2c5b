package engine

import (
	"fmt"

	"github.com/openchannelssd/ftl/internal/config"
	"github.com/openchannelssd/ftl/internal/hint"
)

// New resolves the engine selector string to an implementation. "none"
// and the empty string both install the plain round-robin policy.
func New(selector config.Engine, hints *hint.Store) (Engine, error) {
	switch selector {
	case "", config.EngineNone:
		return NewRoundRobin(), nil
	case config.EngineSwap:
		return NewSwap(hints), nil
	case config.EngineLatency:
		return NewLatency(hints), nil
	case config.EnginePack:
		return NewPack(hints), nil
	default:
		return nil, fmt.Errorf("engine: unknown selector %q", selector)
	}
}

// HintFlags returns the hint-flag set an engine consumes; hints whose
// flags fall outside this set are dropped at submission time.
func HintFlags(selector config.Engine) hint.Flag {
	switch selector {
	case config.EngineSwap:
		return hint.FlagSwap | hint.FlagIoctl
	case config.EngineLatency:
		return hint.FlagLatency | hint.FlagIoctl
	case config.EnginePack:
		return hint.FlagPack | hint.FlagIoctl
	default:
		return 0
	}
}
