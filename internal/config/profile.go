package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Profile is the per-profile ~/.chatsync/profiles/<name>/config.toml.
type Profile struct {
	UserID            string    `toml:"user_id"`
	Token             string    `toml:"token"`
	APIURL            string    `toml:"api_url"`
	WSURL             string    `toml:"ws_url"`
	PageSize          int       `toml:"page_size"`
	HeartbeatInterval Duration  `toml:"heartbeat_interval"`
	WriteTimeout      Duration  `toml:"write_timeout"`
	AckTimeout        Duration  `toml:"ack_timeout"`
	Reconnect         Reconnect `toml:"reconnect"`
	Retention         Retention `toml:"retention"`
}

// Reconnect configures transport reconnection.
type Reconnect struct {
	Enabled     *bool    `toml:"enabled"`
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// Retention configures how long a left conversation's history is kept.
type Retention struct {
	TTL Duration `toml:"ttl"`
}

// Environment variables that override profile values.
const (
	EnvToken  = "CHATSYNC_TOKEN"
	EnvAPIURL = "CHATSYNC_API_URL"
	EnvWSURL  = "CHATSYNC_WS_URL"
	EnvUserID = "CHATSYNC_USER_ID"
)

// LoadProfile reads a profile, applies environment overrides and fills
// defaults. A missing file is not an error when the environment supplies
// the required values.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	p.ApplyEnv(os.LookupEnv)
	p.ApplyDefaults()
	return &p, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (p *Profile) ApplyEnv(lookup func(string) (string, bool)) {
	for env, dst := range map[string]*string{
		EnvToken:  &p.Token,
		EnvAPIURL: &p.APIURL,
		EnvWSURL:  &p.WSURL,
		EnvUserID: &p.UserID,
	} {
		if v, ok := lookup(env); ok && v != "" {
			*dst = v
		}
	}
}

// ApplyDefaults fills unset fields.
func (p *Profile) ApplyDefaults() {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.HeartbeatInterval.Duration <= 0 {
		p.HeartbeatInterval.Duration = 25 * time.Second
	}
	if p.WriteTimeout.Duration <= 0 {
		p.WriteTimeout.Duration = 10 * time.Second
	}
	if p.AckTimeout.Duration <= 0 {
		p.AckTimeout.Duration = 30 * time.Second
	}
	if p.Reconnect.Enabled == nil {
		on := true
		p.Reconnect.Enabled = &on
	}
	if p.Reconnect.MaxAttempts == 0 {
		p.Reconnect.MaxAttempts = 10
	}
	if p.Reconnect.BaseDelay.Duration <= 0 {
		p.Reconnect.BaseDelay.Duration = time.Second
	}
	if p.Reconnect.MaxDelay.Duration <= 0 {
		p.Reconnect.MaxDelay.Duration = 30 * time.Second
	}
	if p.Retention.TTL.Duration <= 0 {
		p.Retention.TTL.Duration = 10 * time.Minute
	}
}

// ReconnectEnabled reports whether the transport should re-dial on drops.
func (p *Profile) ReconnectEnabled() bool {
	return p.Reconnect.Enabled == nil || *p.Reconnect.Enabled
}

// Validate checks that the values needed to reach the server are present.
func (p *Profile) Validate() error {
	var errs []error
	if p.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id is required (or set %s)", EnvUserID))
	}
	if p.APIURL == "" {
		errs = append(errs, fmt.Errorf("api_url is required (or set %s)", EnvAPIURL))
	}
	if p.WSURL == "" {
		errs = append(errs, fmt.Errorf("ws_url is required (or set %s)", EnvWSURL))
	}
	if p.Reconnect.MaxDelay.Duration < p.Reconnect.BaseDelay.Duration {
		errs = append(errs, errors.New("reconnect.max_delay is shorter than reconnect.base_delay"))
	}
	return errors.Join(errs...)
}
