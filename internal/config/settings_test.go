package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "settings.xml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestReadSettingsRemoteLoginDisabled(t *testing.T) {
	p := writeSettings(t, `<?xml version="1.0"?>
<ProcessSettings version="1">
  <Process name="gui">
    <StartCommand>gui --mode=x</StartCommand>
    <RemoteLoginEnabled>No</RemoteLoginEnabled>
  </Process>
</ProcessSettings>`)

	s, err := ReadSettings(p, "gui")
	require.NoError(t, err)
	assert.Equal(t, "gui --mode=x", s.StartCommand)
	assert.Equal(t, "No", s.RemoteLoginEnabled)
	assert.Equal(t, 0, s.RemoteLoginTimeout)
	assert.False(t, s.RemoteLogin())
}

func TestReadSettingsSelectsProcess(t *testing.T) {
	p := writeSettings(t, `<ProcessSettings version="1">
  <Process name="first"><StartCommand>a</StartCommand></Process>
  <Process name="second">
    <StartCommand>  b --flag  </StartCommand>
    <RemoteLoginEnabled>Yes</RemoteLoginEnabled>
    <RemoteLoginTimeout>30</RemoteLoginTimeout>
  </Process>
</ProcessSettings>`)

	s, err := ReadSettings(p, "second")
	require.NoError(t, err)
	assert.Equal(t, "b --flag", s.StartCommand)
	assert.True(t, s.RemoteLogin())
	assert.Equal(t, 30*time.Second, s.LoginTimeout())

	s, err = ReadSettings(p, "")
	require.NoError(t, err)
	assert.Equal(t, "first", s.Name)
	assert.Equal(t, "No", s.RemoteLoginEnabled, "empty flag defaults to No")
}

func TestReadSettingsErrors(t *testing.T) {
	proc := func(inner string) string {
		return `<ProcessSettings version="1"><Process name="gui">` + inner + `</Process></ProcessSettings>`
	}
	tests := []struct {
		name string
		body string
		want error
	}{
		{"malformed", `<ProcessSettings version="1"><Process>`, ErrParseFailed},
		{"wrong root", `<Other version="1"/>`, ErrParseFailed},
		{"version mismatch", `<ProcessSettings version="2"><Process name="gui"><StartCommand>x</StartCommand></Process></ProcessSettings>`, ErrVersionMismatch},
		{"missing version", `<ProcessSettings><Process name="gui"><StartCommand>x</StartCommand></Process></ProcessSettings>`, ErrVersionMismatch},
		{"no such process", `<ProcessSettings version="1"><Process name="other"><StartCommand>x</StartCommand></Process></ProcessSettings>`, ErrProcessNotFound},
		{"empty command", proc(`<StartCommand>  </StartCommand>`), ErrMissingStartCommand},
		{"bad flag", proc(`<StartCommand>x</StartCommand><RemoteLoginEnabled>maybe</RemoteLoginEnabled>`), ErrInvalidRemoteFlag},
		{"remote without timeout", proc(`<StartCommand>x</StartCommand><RemoteLoginEnabled>Yes</RemoteLoginEnabled>`), ErrMissingTimeout},
		{"remote with zero timeout", proc(`<StartCommand>x</StartCommand><RemoteLoginEnabled>Yes</RemoteLoginEnabled><RemoteLoginTimeout>0</RemoteLoginTimeout>`), ErrInvalidTimeout},
		{"non numeric timeout", proc(`<StartCommand>x</StartCommand><RemoteLoginTimeout>soon</RemoteLoginTimeout>`), ErrInvalidTimeout},
		{"negative timeout", proc(`<StartCommand>x</StartCommand><RemoteLoginTimeout>-1</RemoteLoginTimeout>`), ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSettings(writeSettings(t, tt.body), "gui")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadSettingsMissingFile(t *testing.T) {
	_, err := ReadSettings(filepath.Join(t.TempDir(), "nope.xml"), "gui")
	assert.ErrorIs(t, err, ErrFileNotFound)
}
