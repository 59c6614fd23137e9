// Package config implements loading and validation of the server's yaml
// configuration file.
package config
