// Package config loads, validates, and normalizes intake's TOML
// configuration.
//
// Configuration resolves from an explicit --config path, then
// ~/.config/intake/config.toml, then ./intake.toml, falling back to built-in
// defaults when no file exists. All path fields are tilde-expanded and made
// absolute during load, so downstream code never re-resolves them.
package config
