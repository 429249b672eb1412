// Package notifications emails run reports via pluggable notifiers.
//
// The default implementation delivers over SMTP using the settings in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Enumerated event types cover run completion and pre-run failure
// so pipeline code can emit consistent messages without duplicating mail
// glue. Delivery failure never affects a run's outcome; callers log the
// returned error and move on.
//
// Extend this package if you need alternative transports; all pipeline code
// depends only on the simple Service interface.
package notifications
