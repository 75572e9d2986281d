// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"time"
)

var ntpEpochOffset int64 = 2208988800

func GetCurrentNTPTimestamp() uint64 {
	return NTPTimestamp(time.Now())
}

func NTPTimestamp(t time.Time) uint64 {
	// Number of seconds since NTP epoch
	seconds := t.Unix() + ntpEpochOffset

	// Fractional part
	frac := (float64(t.Nanosecond()) / 1e9) * (1 << 32)

	// NTP timestamp is 32bit second | 32 bit fractional
	return (uint64(seconds) << 32) | uint64(frac)
}
