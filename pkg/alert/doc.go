// Package alert turns warning and critical pipeline events into operator
// notifications: a structured log line always, and a Slack message when
// alerts.slack_webhook_url is set.
package alert
