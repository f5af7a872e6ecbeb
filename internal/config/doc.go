// Package config loads runtime configuration for the revsync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file given with --config. Files ending in .yaml or
//     .yml are YAML, anything else is JSON.
//  3. Command-line flags (see BindFlags), which override earlier values.
//
// # File schema
//
// Intervals are strings like "30s" or integer nanoseconds:
//
//	url: https://review.example.com/
//	username: alice
//	auth_type: digest
//	sync_interval: 2m
//	offline_backoff: 30s
//	fetch_missing_refs: true
//
// The password is never taken from a flag; it comes from the file or an
// interactive prompt.
package config
