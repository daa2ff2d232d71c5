// Package config loads the exporter configuration.
//
// Values are resolved in four steps: built-in defaults, the optional YAML
// file, environment overrides, validation. The environment always wins over
// the file, so a container can run from env vars alone or patch a mounted
// config.yaml. Durations in YAML are Go duration strings ("30s"); duration
// env vars take whole seconds or duration strings.
//
// Credentials are either literal (afs.access_key / afs.secret_key, or the
// AFS_ACCESS_KEY / AFS_SECRET_KEY env vars) or read from the env vars named
// by afs.access_key_env / afs.secret_key_env.
//
// Watch reloads the file on change. Only the log level is applied live.
package config
