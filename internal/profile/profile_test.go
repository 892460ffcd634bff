package profile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

func validProfile(t *testing.T) *Profile {
	t.Helper()
	return &Profile{
		Mode:                    "dev",
		Data:                    t.TempDir(),
		Driver:                  "sqlite",
		Port:                    8081,
		QuotaDailyLimit:         5,
		QuotaTimezone:           "Local",
		DeliveryPacingIncrement: 1500 * time.Millisecond,
		AITemperature:           0.7,
	}
}

func TestProfile_ValidateDefaults(t *testing.T) {
	p := validProfile(t)
	require.NoError(t, p.Validate())

	assert.True(t, filepath.IsAbs(p.Data))
	assert.Equal(t, filepath.Join(p.Data, "askparrot_dev.db"), p.DSN)
	assert.True(t, p.IsDev())
	assert.False(t, p.IsTelegramEnabled())
	assert.False(t, p.IsAdminEnabled())
}

func TestProfile_ValidateUnknownModeFallsBackToDemo(t *testing.T) {
	p := validProfile(t)
	p.Mode = "staging"
	require.NoError(t, p.Validate())
	assert.Equal(t, "demo", p.Mode)
}

func TestProfile_ValidateMissingDataDir(t *testing.T) {
	p := validProfile(t)
	p.Data = filepath.Join(t.TempDir(), "missing")
	assert.Error(t, p.Validate())
}

func TestProfile_ValidateConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"zero daily limit", func(p *Profile) { p.QuotaDailyLimit = 0 }},
		{"negative pacing", func(p *Profile) { p.DeliveryPacingIncrement = -time.Second }},
		{"bad timezone", func(p *Profile) { p.QuotaTimezone = "Mars/Olympus_Mons" }},
		{"bad port", func(p *Profile) { p.Port = 70000 }},
		{"temperature out of range", func(p *Profile) { p.AITemperature = 3 }},
		{"postgres without dsn", func(p *Profile) { p.Driver = "postgres" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile(t)
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfiguration))
		})
	}
}

func TestProfile_Location(t *testing.T) {
	p := &Profile{}
	loc, err := p.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	p.QuotaTimezone = "UTC"
	loc, err = p.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}
