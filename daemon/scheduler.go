package daemon

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// job is one scheduled task with a parsed cron iterator.
type job struct {
	name     string
	schedule cron.Schedule
	run      func(context.Context)
}

// knownTasks maps schedule names to their implementations.
func (d *Daemon) knownTasks() map[string]func(context.Context) {
	return map[string]func(context.Context){
		"scan":                 d.runScan,
		"test-all":             d.runTestAll,
		"clean-stale-branches": d.runCleanStaleBranches,
	}
}

// buildJobs turns the schedule config into runnable jobs. Unknown task
// names and bad cron expressions are logged and ignored.
func (d *Daemon) buildJobs() []job {
	tasks := d.knownTasks()

	names := make([]string, 0, len(d.cfg.Schedule))
	for name := range d.cfg.Schedule {
		names = append(names, name)
	}
	sort.Strings(names)

	var jobs []job
	for _, name := range names {
		entry := d.cfg.Schedule[name]
		if !entry.Enabled {
			continue
		}
		run, ok := tasks[name]
		if !ok {
			d.logger.Warn("Ignoring unknown scheduled task", "task", name)
			continue
		}
		schedule, err := cron.ParseStandard(entry.Cron)
		if err != nil {
			d.logger.Warn("Ignoring scheduled task with bad cron expression",
				"task", name, "cron", entry.Cron, "error", err)
			continue
		}
		jobs = append(jobs, job{name: name, schedule: schedule, run: run})
	}

	if d.cfg.Notifications.DigestEnabled && d.cfg.Notifications.DigestCron != "" {
		schedule, err := cron.ParseStandard(d.cfg.Notifications.DigestCron)
		if err != nil {
			d.logger.Warn("Ignoring digest with bad cron expression",
				"cron", d.cfg.Notifications.DigestCron, "error", err)
		} else {
			jobs = append(jobs, job{name: "digest", schedule: schedule, run: d.runDigest})
		}
	}
	return jobs
}

// schedulerLoop sleeps until the nearest next fire across all jobs,
// runs that job off the loop, and repeats until shutdown.
func (d *Daemon) schedulerLoop(ctx context.Context) {
	jobs := d.buildJobs()
	if len(jobs) == 0 {
		d.logger.Info("No scheduled tasks configured")
		return
	}

	next := make([]time.Time, len(jobs))
	for i, j := range jobs {
		next[i] = j.schedule.Next(time.Now())
		d.logger.Info("Scheduled task armed", "task", j.name, "next", next[i])
	}

	for {
		idx := 0
		for i := range next {
			if next[i].Before(next[idx]) {
				idx = i
			}
		}

		timer := time.NewTimer(time.Until(next[idx]))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		j := jobs[idx]
		d.logger.Info("Running scheduled task", "task", j.name)
		go j.run(ctx)
		next[idx] = j.schedule.Next(time.Now())
	}
}
