// Package scheduler runs periodic maintenance jobs (orphan scans, retention
// pruning) on cron or interval schedules.
//
// Schedules are upserted by name and survive Stop/Start. A job that is still
// running when its next trigger arrives is skipped for that trigger.
package scheduler
