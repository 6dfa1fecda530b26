package common

import "errors"

// ErrModulePaused is returned for any operation on a paused module.
var ErrModulePaused = errors.New("module paused")

// Lending modules that can be paused independently.
const (
	ModuleLending     = "lending"
	ModuleMargin      = "lending.margin"
	ModuleLiquidation = "lending.liquidation"
)

// PauseView reports whether a module is paused. The protocol config's pause
// table implements it.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects an operation on module when p reports it paused. A nil view
// never pauses anything.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
