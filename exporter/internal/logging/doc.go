// Package logging builds the process slog.Logger. The level lives in a
// slog.LevelVar so a config reload can change it while running, and a
// ReplaceAttr hook masks credentials before any handler sees them.
package logging
