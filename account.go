// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
	"strings"
)

const DefaultDomainPort = 5060

// Account is SIP account of phone line. It is copied when submitted to registrar.
type Account struct {
	DisplayName      string
	UserName         string
	AuthenticationID string
	Password         string
	DomainHost       string
	DomainPort       int
	// RegistrationRequired false means line is usable without REGISTER
	RegistrationRequired bool
}

// WithDefaults fills user and display name from authentication id when empty
func (a Account) WithDefaults() Account {
	if a.UserName == "" {
		a.UserName = a.AuthenticationID
	}
	if a.DisplayName == "" {
		a.DisplayName = a.AuthenticationID
	}
	return a
}

// Validate returns ConfigurationError for every malformed field
func (a Account) Validate() error {
	var errs []error
	if strings.TrimSpace(a.AuthenticationID) == "" {
		errs = append(errs, &ConfigurationError{Field: "authenticationId", Msg: "must not be empty"})
	}
	if a.Password == "" {
		errs = append(errs, &ConfigurationError{Field: "password", Msg: "must not be empty"})
	}
	if strings.TrimSpace(a.DomainHost) == "" {
		errs = append(errs, &ConfigurationError{Field: "domainHost", Msg: "must not be empty"})
	} else if strings.ContainsAny(a.DomainHost, " \t@;") {
		errs = append(errs, &ConfigurationError{Field: "domainHost", Msg: fmt.Sprintf("invalid host %q", a.DomainHost)})
	}
	if a.DomainPort < 1 || a.DomainPort > 65535 {
		errs = append(errs, &ConfigurationError{Field: "domainPort", Msg: fmt.Sprintf("invalid port %d", a.DomainPort)})
	}
	return errors.Join(errs...)
}

// TransportMode is signaling transport of phone line
type TransportMode int

const (
	TransportUDP TransportMode = iota
	TransportTLS
)

func (t TransportMode) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTLS:
		return "tls"
	}
	return fmt.Sprintf("transport(%d)", int(t))
}

func ParseTransportMode(s string) (TransportMode, error) {
	switch strings.ToLower(s) {
	case "", "udp", "plain":
		return TransportUDP, nil
	case "tls":
		return TransportTLS, nil
	}
	return 0, &ConfigurationError{Field: "transport", Msg: fmt.Sprintf("unknown transport %q", s)}
}

// SRTPMode is media encryption policy of phone line
type SRTPMode int

const (
	SRTPOff SRTPMode = iota
	// SRTPOptional is best effort
	SRTPOptional
	// SRTPForce rejects calls without SRTP
	SRTPForce
)

func (m SRTPMode) String() string {
	switch m {
	case SRTPOff:
		return "off"
	case SRTPOptional:
		return "optional"
	case SRTPForce:
		return "force"
	}
	return fmt.Sprintf("srtp(%d)", int(m))
}

func ParseSRTPMode(s string) (SRTPMode, error) {
	switch strings.ToLower(s) {
	case "", "off", "none":
		return SRTPOff, nil
	case "optional", "prefer":
		return SRTPOptional, nil
	case "force", "required":
		return SRTPForce, nil
	}
	return 0, &ConfigurationError{Field: "srtp", Msg: fmt.Sprintf("unknown srtp mode %q", s)}
}

func validateModes(t TransportMode, m SRTPMode) error {
	if t != TransportUDP && t != TransportTLS {
		return &ConfigurationError{Field: "transport", Msg: t.String()}
	}
	if m < SRTPOff || m > SRTPForce {
		return &ConfigurationError{Field: "srtp", Msg: m.String()}
	}
	return nil
}
