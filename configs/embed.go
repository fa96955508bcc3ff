// Package configs holds the configuration template written by
// `cardindex config init`. It is embedded so every build carries it.
package configs

import _ "embed"

// ConfigTemplate is the commented user configuration. Every value it sets
// matches the built-in default.
//
//go:embed config.example.yaml
var ConfigTemplate string
