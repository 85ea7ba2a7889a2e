package config

// Version is the version of the orchestrator, set at build time.
var Version string
