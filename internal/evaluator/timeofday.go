package evaluator

import (
	"time"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

const minutesPerDay = 24 * 60

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func parseMinute(s string) (int, bool) {
	t, err := time.Parse(models.TimeLayout, s)
	if err != nil {
		return 0, false
	}
	return minuteOfDay(t), true
}

// circularDistance is the number of minutes between a and b on a 24h clock
func circularDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > minutesPerDay-d {
		d = minutesPerDay - d
	}
	return d
}

// compareTime compares the current minute of day in the condition's
// timezone (UTC when unset). Ordering operators compare within the same
// day; between with start > end is an overnight window.
func (e *Evaluator) compareTime(cond models.Condition) bool {
	loc := time.UTC
	if cond.Timezone != "" {
		l, err := time.LoadLocation(cond.Timezone)
		if err != nil {
			return false
		}
		loc = l
	}
	now := minuteOfDay(e.clock().In(loc))

	if cond.Operator == models.OpBetween {
		if len(cond.Value.List) != 2 {
			return false
		}
		start, ok1 := parseMinute(cond.Value.List[0])
		end, ok2 := parseMinute(cond.Value.List[1])
		if !ok1 || !ok2 {
			return false
		}
		if start <= end {
			return now >= start && now <= end
		}
		return now >= start || now <= end
	}

	target, ok := parseMinute(cond.Value.Text)
	if !ok {
		return false
	}

	switch cond.Operator {
	case models.OpEQ:
		return circularDistance(now, target) <= timeSkew
	case models.OpGT:
		return now > target
	case models.OpGTE:
		return now >= target
	case models.OpLT:
		return now < target
	case models.OpLTE:
		return now <= target
	default:
		return false
	}
}
