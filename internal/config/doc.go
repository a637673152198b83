// Package config provides configuration loading and validation for the kitchen
// voice monitor. It reads YAML on top of built-in defaults and lets dotenv files
// and environment variables supply provider secrets.
package config
