package core

// ModuleID names a module, e.g. "engine" or "gateway.http".
type ModuleID string

// ModuleInfo describes a module.
type ModuleInfo struct {
	ID ModuleID
}

// Module is a component whose lifecycle is managed by App. The optional
// Provisioner, Validator, Starter and Stopper interfaces select which
// lifecycle hooks it takes part in.
type Module interface {
	ModuleInfo() ModuleInfo
}
