package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SettingsVersion is the only accepted version attribute of <ProcessSettings>.
const SettingsVersion = "1"

var (
	ErrFileNotFound        = errors.New("settings file not found")
	ErrParseFailed         = errors.New("settings file parse failed")
	ErrVersionMismatch     = errors.New("settings version mismatch")
	ErrProcessNotFound     = errors.New("process section not found")
	ErrMissingStartCommand = errors.New("missing StartCommand")
	ErrMissingTimeout      = errors.New("remote login enabled without RemoteLoginTimeout")
	ErrInvalidTimeout      = errors.New("invalid RemoteLoginTimeout")
	ErrInvalidRemoteFlag   = errors.New("RemoteLoginEnabled must be Yes or No")
)

const (
	RemoteLoginYes = "Yes"
	RemoteLoginNo  = "No"
)

type xmlSettings struct {
	XMLName   xml.Name     `xml:"ProcessSettings"`
	Version   string       `xml:"version,attr"`
	Processes []xmlProcess `xml:"Process"`
}

type xmlProcess struct {
	Name               string `xml:"name,attr"`
	StartCommand       string `xml:"StartCommand"`
	RemoteLoginEnabled string `xml:"RemoteLoginEnabled"`
	RemoteLoginTimeout string `xml:"RemoteLoginTimeout"`
}

// ProcessSettings is one <Process> section.
type ProcessSettings struct {
	Name               string
	StartCommand       string
	RemoteLoginEnabled string // "Yes" or "No"
	RemoteLoginTimeout int    // seconds
}

// RemoteLogin reports whether the process must log in before the guard expires.
func (s ProcessSettings) RemoteLogin() bool { return s.RemoteLoginEnabled == RemoteLoginYes }

// LoginTimeout returns RemoteLoginTimeout as a duration.
func (s ProcessSettings) LoginTimeout() time.Duration {
	return time.Duration(s.RemoteLoginTimeout) * time.Second
}

// ReadSettings loads the <Process> section called name from path. An empty name selects the
// first section. Every failure cause has its own sentinel error.
func ReadSettings(path, name string) (*ProcessSettings, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		return nil, err
	}
	var doc xmlSettings
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrParseFailed, err)
	}
	if strings.TrimSpace(doc.Version) != SettingsVersion {
		return nil, fmt.Errorf("%s: got %q, want %q: %w", path, doc.Version, SettingsVersion, ErrVersionMismatch)
	}
	var p *xmlProcess
	for i := range doc.Processes {
		if name == "" || doc.Processes[i].Name == name {
			p = &doc.Processes[i]
			break
		}
	}
	if p == nil {
		return nil, fmt.Errorf("%s: process %q: %w", path, name, ErrProcessNotFound)
	}
	return p.settings()
}

func (p *xmlProcess) settings() (*ProcessSettings, error) {
	s := &ProcessSettings{
		Name:         p.Name,
		StartCommand: strings.TrimSpace(p.StartCommand),
	}
	if s.StartCommand == "" {
		return nil, fmt.Errorf("process %q: %w", p.Name, ErrMissingStartCommand)
	}
	switch flag := strings.TrimSpace(p.RemoteLoginEnabled); {
	case flag == "":
		s.RemoteLoginEnabled = RemoteLoginNo
	case strings.EqualFold(flag, RemoteLoginYes):
		s.RemoteLoginEnabled = RemoteLoginYes
	case strings.EqualFold(flag, RemoteLoginNo):
		s.RemoteLoginEnabled = RemoteLoginNo
	default:
		return nil, fmt.Errorf("process %q: %q: %w", p.Name, flag, ErrInvalidRemoteFlag)
	}

	raw := strings.TrimSpace(p.RemoteLoginTimeout)
	if raw == "" {
		if s.RemoteLogin() {
			return nil, fmt.Errorf("process %q: %w", p.Name, ErrMissingTimeout)
		}
		return s, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || (s.RemoteLogin() && n == 0) {
		return nil, fmt.Errorf("process %q: %q: %w", p.Name, raw, ErrInvalidTimeout)
	}
	s.RemoteLoginTimeout = n
	return s, nil
}
