package cycle

import "github.com/robfig/cron"

// ValidateScoutSchedule parses a project's scout_schedule cron expression,
// returning an error if it is not a schedule robfig/cron can run. Called at
// project config load time (internal/config) so a malformed schedule is
// rejected there. The schedule is only validated; the supervisor's
// idle-detection check does not consult it.
func ValidateScoutSchedule(expr string) error {
	_, err := cron.Parse(expr)
	return err
}
