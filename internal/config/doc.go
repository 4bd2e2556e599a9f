// Package config provides configuration loading and validation for the collaboration server.
// Values from a YAML file are layered over built-in defaults and checked section by section.
package config
