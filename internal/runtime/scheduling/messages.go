package scheduling

import (
	"fmt"
	"time"

	"github.com/drblury/jobflow/internal/runtime"
)

// JobDefinition is a scheduled job and the upper bound of its last window.
type JobDefinition struct {
	runtime.BaseMessage
	RuleID                  string    `json:"ruleId"`
	Name                    string    `json:"name,omitempty"`
	Schedule                Schedule  `json:"schedule"`
	LastRunWindowUpperBound time.Time `json:"lastRunWindowUpperBound"`
	Etag                    string    `json:"etag,omitempty"`
	Status                  string    `json:"status,omitempty"`
	BehaviorMode            string    `json:"behaviorMode,omitempty"`
	JobDefinitionChangeTime time.Time `json:"jobDefinitionChangeTime"`
}

// JobWindow is one [FromTime, ToTime) range of a JobDefinition ready to run.
type JobWindow struct {
	JobDefinition
	FromTime                 time.Time `json:"fromTime"`
	ToTime                   time.Time `json:"toTime"`
	SkipNextWindowValidation bool      `json:"skipNextWindowValidation,omitempty"`
}

// WindowID formats "{from}-{to}#{ruleID}". Both bounds are rendered as
// HH:mm:ss elapsed since midnight of from's day, so a daily window starting
// at midnight reads "00:00:00-24:00:00#R1".
func WindowID(from, to time.Time, ruleID string) string {
	from = from.UTC()
	midnight := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%s-%s#%s", clock(from.Sub(midnight)), clock(to.UTC().Sub(midnight)), ruleID)
}

func clock(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}
