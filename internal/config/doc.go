// Package config loads the AgentPay runtime configuration from a JSON or YAML
// file, fills defaults, reads an optional .env file and applies AGENTPAY_*
// environment overrides so secrets such as the payer key and database DSNs
// never need to live in the file itself.
package config
