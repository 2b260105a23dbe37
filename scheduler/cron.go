package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// nextFire computes the next fire time for job, given the current time.
func nextFire(job CronJob, now time.Time) (time.Time, error) {
	if job.CronExpr != "" {
		sched, err := cron.ParseStandard(job.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: job %s: invalid cron_expr %q: %w", job.ID, job.CronExpr, err)
		}
		return sched.Next(now), nil
	}
	return nextIntervalFire(job.IntervalSecs, now), nil
}

// nextIntervalFire implements the alignment rule: an interval that evenly
// divides a day ticks on UTC boundaries of that interval (1800s fires at :00
// and :30 UTC); any other interval just fires intervalSecs from now.
func nextIntervalFire(intervalSecs int, now time.Time) time.Time {
	interval := time.Duration(intervalSecs) * time.Second
	if intervalSecs > 0 && intervalSecs < 86400 && 86400%intervalSecs == 0 {
		u := now.UTC()
		secOfDay := u.Hour()*3600 + u.Minute()*60 + u.Second()
		next := ((secOfDay / intervalSecs) + 1) * intervalSecs
		dayStart := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		return dayStart.Add(time.Duration(next) * time.Second)
	}
	return now.Add(interval)
}

// withinActiveHours reports whether now falls inside job's active-hours
// window, evaluated in job.TimeZone (server-local if unset). Jobs with no
// active-hours restriction are always within bounds. The window is
// [start, end), wrapping past midnight when end <= start.
func withinActiveHours(job CronJob, now time.Time) bool {
	if !job.HasActiveHours() {
		return true
	}
	loc := time.Local
	if job.TimeZone != "" {
		if l, err := time.LoadLocation(job.TimeZone); err == nil {
			loc = l
		}
	}
	hour := now.In(loc).Hour()
	start, end := job.ActiveHoursStart, job.ActiveHoursEnd
	if end <= start {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}
