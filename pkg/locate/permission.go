package locate

import (
	"strings"
	"sync"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// deniedFlag is the durable marker that keeps Denied sticky across restarts.
const deniedFlag = "permission_denied"

// PermissionMachine tracks the positioning-permission lifecycle:
// Unknown -> Prompt -> {Granted, Denied}. Denied persists until ClearDenied.
type PermissionMachine struct {
	mu     sync.RWMutex
	state  PermissionState
	flags  FlagStore
	logger *logx.Logger
}

// NewPermissionMachine restores the sticky Denied state from the flag store
// if present, otherwise starts at Unknown.
func NewPermissionMachine(flags FlagStore, logger *logx.Logger) *PermissionMachine {
	pm := &PermissionMachine{
		state:  PermissionUnknown,
		flags:  flags,
		logger: logger,
	}
	if flags != nil {
		if _, ok := flags.GetFlag(deniedFlag); ok {
			pm.state = PermissionDenied
			logger.Info("permission_restored_denied")
		}
	}
	return pm
}

// State returns the current permission state.
func (pm *PermissionMachine) State() PermissionState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.state
}

// Denied reports whether permission is currently denied.
func (pm *PermissionMachine) Denied() bool {
	return pm.State() == PermissionDenied
}

// ReportPrompt records that the platform is about to ask the user.
func (pm *PermissionMachine) ReportPrompt() {
	pm.transition(PermissionPrompt, "platform_prompt")
}

// ReportGranted records a granted permission query or a successful
// permission-gated acquisition.
func (pm *PermissionMachine) ReportGranted() {
	pm.transition(PermissionGranted, "granted")
}

// ReportDenied records a denial and persists it so it survives restarts.
func (pm *PermissionMachine) ReportDenied() {
	pm.transition(PermissionDenied, "denied")
	if pm.flags != nil {
		if err := pm.flags.SetFlag(deniedFlag, "1"); err != nil {
			pm.logger.Warn("permission_persist_failed", "error", err.Error())
		}
	}
}

// ClearDenied removes the sticky denial and transitions back to Prompt so a
// future resolution attempt may ask again.
func (pm *PermissionMachine) ClearDenied() {
	pm.mu.Lock()
	if pm.state != PermissionDenied {
		pm.mu.Unlock()
		return
	}
	pm.mu.Unlock()

	pm.transition(PermissionPrompt, "denied_cleared")
	if pm.flags != nil {
		if err := pm.flags.DeleteFlag(deniedFlag); err != nil {
			pm.logger.Warn("permission_clear_failed", "error", err.Error())
		}
	}
}

// ObserveAcquisitionError inspects a strategy failure for a permission
// denial code and updates the machine accordingly. Returns true when the
// error was a denial.
func (pm *PermissionMachine) ObserveAcquisitionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied") {
		pm.ReportDenied()
		return true
	}
	return false
}

func (pm *PermissionMachine) transition(to PermissionState, reason string) {
	pm.mu.Lock()
	from := pm.state
	pm.state = to
	pm.mu.Unlock()

	if from != to {
		pm.logger.LogStateChange("permission", from.String(), to.String(), reason, nil)
	}
}
