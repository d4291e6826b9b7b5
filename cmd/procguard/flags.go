package main

import "time"

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type AckFlags struct {
	APIFlags
	Key  uint64
	Type string
}

type AckRefFlags struct {
	APIFlags
	Ref string
	NOK bool
}

type RaiseFlags struct {
	APIFlags
	EventID    uint32
	ScenarioID uint32
	Source     string
	Args       []string
}

// ErrCodeFlags drives the offline scenario lookup.
type ErrCodeFlags struct {
	File       string
	EventID    uint32
	ScenarioID uint32
	List       bool
}

type CheckSettingsFlags struct {
	File string
	Name string
}
