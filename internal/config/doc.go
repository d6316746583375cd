// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Variables may also come from a .env file loaded before the YAML is expanded.
// Both binaries (originator and api) read the same schema and use the sections they need.
package config
