// Package config holds the option structs for both sides of the bridge and
// loads them from YAML or TOML files and the environment.
package config
