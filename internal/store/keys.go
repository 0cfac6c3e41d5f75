package store

import (
	"fmt"

	"github.com/opendxa/processing/internal/model"
)

// Per-kind keys share the {kind} hash tag so every key a queue script touches
// lives in one cluster slot.

func JobKeyPrefix(kind model.Kind) string {
	return fmt.Sprintf("job:{%s}:", kind)
}

func JobKey(kind model.Kind, jobID string) string {
	return JobKeyPrefix(kind) + jobID
}

func QueuedKey(kind model.Kind) string {
	return fmt.Sprintf("queue:{%s}:queued", kind)
}

func RunningKey(kind model.Kind) string {
	return fmt.Sprintf("queue:{%s}:running", kind)
}

func ActiveKey(kind model.Kind) string {
	return fmt.Sprintf("queue:{%s}:active", kind)
}

func StatsKey(kind model.Kind) string {
	return fmt.Sprintf("queue:{%s}:stats", kind)
}

func StartupLockKey(kind model.Kind) string {
	return fmt.Sprintf("queue:{%s}:startup-lock", kind)
}

func CrashKey(kind model.Kind, instanceID string, slotID int) string {
	return fmt.Sprintf("queue:{%s}:crashes:%s:%d", kind, instanceID, slotID)
}

func InstanceKey(instanceID string) string {
	return fmt.Sprintf("queue:instances:%s", instanceID)
}

func SessionKey(sessionID string) string {
	return fmt.Sprintf("session:{%s}", sessionID)
}

func SessionCounterKey(sessionID string) string {
	return fmt.Sprintf("session:{%s}:remaining", sessionID)
}

func TrajectoryStatusKey(trajectoryID string) string {
	return fmt.Sprintf("trajectory:%s:status", trajectoryID)
}
