// Package sshaudit records connection and terminal lifecycle events to the
// database.
//
// The host application drains the event bus and hands every event to
// [Auditor.Record]. Data events are never stored; everything else becomes one
// row in the audit_logs table with the connection id, terminal id (if any),
// event type and a short detail string (the error message, or the new size
// of a resized terminal).
//
// Entries are kept for [DefaultRetentionDays] unless configured otherwise.
// [Auditor.ScheduleRetention] runs [Auditor.PurgeOlderThan] on a cron
// schedule.
//
// Audit log messages use the [ssh-audit] prefix.
package sshaudit
