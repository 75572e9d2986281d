// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emiago/softphone"
)

// console reads operator input line by line. Only main loop goroutine uses it.
type console struct {
	in  *bufio.Reader
	out io.Writer
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: bufio.NewReader(in), out: out}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// read asks for value. Required value is asked until not empty.
func (c *console) read(prompt string, name string, required bool) (string, error) {
	c.printf("%s", prompt)
	for {
		v, err := c.readLine()
		if err != nil {
			return "", err
		}
		if v != "" || !required {
			return v, nil
		}
		c.printf("%s cannot be empty.\n%s: ", name, name)
	}
}

// readAccount prompts for SIP account. Empty answers take defaults.
func (c *console) readAccount() (softphone.Account, error) {
	var acc softphone.Account
	c.printf("\nPlease set up Your SIP account:\n\n")

	reg, err := c.read("Please set if the registration is required (true/false) (default: true): ", "Registration required", false)
	if err != nil {
		return acc, err
	}
	switch strings.ToLower(reg) {
	case "false", "no", "n":
		acc.RegistrationRequired = false
	default:
		acc.RegistrationRequired = true
		c.printf("Registration set to required.\n")
	}

	if acc.AuthenticationID, err = c.read("Please set Your authentication ID: ", "Authentication ID", true); err != nil {
		return acc, err
	}
	if acc.UserName, err = c.read(fmt.Sprintf("Please set Your username (default: %s): ", acc.AuthenticationID), "Username", false); err != nil {
		return acc, err
	}
	if acc.DisplayName, err = c.read(fmt.Sprintf("Please set Your name to be displayed (default: %s): ", acc.AuthenticationID), "Display name", false); err != nil {
		return acc, err
	}
	if acc.Password, err = c.read("Please set Your registration password: ", "Password", true); err != nil {
		return acc, err
	}
	if acc.DomainHost, err = c.read("Please set the domain name: ", "Domain name", true); err != nil {
		return acc, err
	}

	acc.DomainPort = softphone.DefaultDomainPort
	for {
		port, err := c.read(fmt.Sprintf("Please set the port number (default: %d): ", softphone.DefaultDomainPort), "Port", false)
		if err != nil {
			return acc, err
		}
		if port == "" {
			break
		}
		p, err := strconv.Atoi(port)
		if err == nil {
			acc.DomainPort = p
			break
		}
		c.printf("Invalid port %q\n", port)
	}
	return acc.WithDefaults(), nil
}

// readNumber asks for number to dial. Empty lines are skipped.
func (c *console) readNumber() (string, error) {
	return c.read("\nTo start a call, type the number and press Enter (or 'codecs'): ", "Number", true)
}

func (c *console) printCodecs(codecs []softphone.CodecEntry) {
	for _, mt := range []softphone.MediaType{softphone.MediaAudio, softphone.MediaVideo} {
		c.printf("\n%s codecs:\n", mt)
		for _, e := range codecs {
			if e.MediaType != mt {
				continue
			}
			mark := " "
			if e.Enabled {
				mark = "*"
			}
			c.printf(" [%s] %3d %s\n", mark, e.PayloadType, e.Name)
		}
	}
}

// parsePayloadTypes parses comma separated list. Every invalid token is reported.
func parsePayloadTypes(s string) ([]int, []error) {
	var pts []int
	var errs []error
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		pt, err := strconv.Atoi(tok)
		if err != nil || pt < 0 || pt > 127 {
			errs = append(errs, &softphone.ConfigurationError{Field: "payloadType", Msg: fmt.Sprintf("Invalid payload type %q", tok)})
			continue
		}
		pts = append(pts, pt)
	}
	return pts, errs
}

// selectCodecs runs restrict workflow on operator list
func (c *console) selectCodecs(phone *softphone.Phone) error {
	c.printCodecs(phone.ListCodecs())
	list, err := c.read("\nType payload types to enable separated by comma (empty keeps current): ", "Codecs", false)
	if err != nil || list == "" {
		return err
	}

	pts, errs := parsePayloadTypes(list)
	for _, e := range errs {
		c.printf("%s\n", e)
	}
	if err := phone.RestrictCodecs(pts); err != nil {
		for _, e := range unwrapJoined(err) {
			c.printf("%s\n", e)
		}
	}

	c.printf("\nEnabled codecs:\n")
	for _, e := range phone.ListCodecs() {
		if e.Enabled {
			c.printf(" %3d %s\n", e.PayloadType, e.Name)
		}
	}
	return nil
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
