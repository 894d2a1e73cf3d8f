// Package config defines the syncache configuration surface: a yaml file,
// SYNCACHE_* environment overrides, named presets, and startup validation.
// Validation failures are fatal; the engine never silently clamps a bad
// policy value.
package config
