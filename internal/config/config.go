// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package config loads softphone YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emiago/softphone"
	"github.com/emiago/softphone/audio"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Transport TransportConfig `yaml:"transport"`
	// SRTP is one of off, optional, force
	SRTP         string        `yaml:"srtp"`
	RTPPortStart int           `yaml:"rtp_port_start"`
	RTPPortEnd   int           `yaml:"rtp_port_end"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	// Codecs restricts offered codecs to payload types. Empty keeps stack defaults.
	Codecs  []int         `yaml:"codecs"`
	Devices DevicesConfig `yaml:"devices"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type AccountConfig struct {
	DisplayName          string `yaml:"display_name"`
	UserName             string `yaml:"user_name"`
	AuthenticationID     string `yaml:"authentication_id"`
	Password             string `yaml:"password"`
	DomainHost           string `yaml:"domain_host"`
	DomainPort           int    `yaml:"domain_port"`
	RegistrationRequired *bool  `yaml:"registration_required"`
}

type TransportConfig struct {
	// Mode is udp or tls
	Mode         string `yaml:"mode"`
	BindHost     string `yaml:"bind_host"`
	BindPort     int    `yaml:"bind_port"`
	TLSPort      int    `yaml:"tls_port"`
	ExternalHost string `yaml:"external_host"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
	TLSInsecure  bool   `yaml:"tls_insecure"`
}

type DevicesConfig struct {
	// CaptureWav is microphone replacement. Empty means no capture device.
	CaptureWav string `yaml:"capture_wav"`
	// PlaybackWav records received audio. Empty means no playback device.
	PlaybackWav      string `yaml:"playback_wav"`
	NoiseSuppression string `yaml:"noise_suppression"`
}

type HTTPConfig struct {
	// Listen enables HTTP control surface when set
	Listen string `yaml:"listen"`
}

// Default returns configuration with defaults of console application
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Mode:     "udp",
			BindHost: "0.0.0.0",
			BindPort: 5060,
			TLSPort:  5061,
		},
		SRTP:         "off",
		RTPPortStart: 5000,
		RTPPortEnd:   10000,
		DialTimeout:  60 * time.Second,
		Devices: DevicesConfig{
			NoiseSuppression: "off",
		},
	}
}

// Load reads file over defaults and validates result
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return conf, nil
}

// Validate checks everything except account. Account is validated on register
// as it may be completed by prompting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := softphone.ParseTransportMode(c.Transport.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := softphone.ParseSRTPMode(c.SRTP); err != nil {
		errs = append(errs, err)
	}
	if _, err := audio.ParseNoiseLevel(c.Devices.NoiseSuppression); err != nil {
		errs = append(errs, &softphone.ConfigurationError{Field: "noise_suppression", Msg: err.Error()})
	}

	// 0 is allowed and means any available port
	for name, port := range map[string]int{"bind_port": c.Transport.BindPort, "tls_port": c.Transport.TLSPort, "domain_port": c.Account.DomainPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, &softphone.ConfigurationError{Field: name, Msg: fmt.Sprintf("invalid port %d (must be 0-65535)", port)})
		}
	}
	if c.RTPPortStart < 0 || c.RTPPortEnd > 65535 || c.RTPPortStart > c.RTPPortEnd {
		errs = append(errs, &softphone.ConfigurationError{Field: "rtp_port_start", Msg: fmt.Sprintf("invalid RTP port range %d-%d", c.RTPPortStart, c.RTPPortEnd)})
	}
	if c.DialTimeout < 0 {
		errs = append(errs, &softphone.ConfigurationError{Field: "dial_timeout", Msg: "must not be negative"})
	}

	if strings.EqualFold(c.Transport.Mode, "tls") && (c.Transport.TLSCert == "") != (c.Transport.TLSKey == "") {
		errs = append(errs, &softphone.ConfigurationError{Field: "tls_cert", Msg: "certificate and key must be set together"})
	}
	return errors.Join(errs...)
}

// SoftphoneAccount converts account section. Empty names and port get defaults.
func (c *Config) SoftphoneAccount() softphone.Account {
	a := c.Account
	acc := softphone.Account{
		DisplayName:          a.DisplayName,
		UserName:             a.UserName,
		AuthenticationID:     a.AuthenticationID,
		Password:             a.Password,
		DomainHost:           a.DomainHost,
		DomainPort:           a.DomainPort,
		RegistrationRequired: true,
	}
	if a.RegistrationRequired != nil {
		acc.RegistrationRequired = *a.RegistrationRequired
	}
	if acc.DomainPort == 0 {
		acc.DomainPort = softphone.DefaultDomainPort
	}
	return acc.WithDefaults()
}

func (c *Config) TransportMode() softphone.TransportMode {
	m, _ := softphone.ParseTransportMode(c.Transport.Mode)
	return m
}

func (c *Config) SRTPMode() softphone.SRTPMode {
	m, _ := softphone.ParseSRTPMode(c.SRTP)
	return m
}

func (c *Config) NoiseLevel() audio.NoiseLevel {
	l, _ := audio.ParseNoiseLevel(c.Devices.NoiseSuppression)
	return l
}
