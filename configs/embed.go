// Package configs embeds the annotated configuration template written by
// `ragindex config init`.
package configs

import _ "embed"

// ConfigTemplate documents every setting at its default value.
//
//go:embed config.example.yaml
var ConfigTemplate string
