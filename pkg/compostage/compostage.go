// Package compostage generates the 19 character "date de compostage" tokens
// used to sequence B2 invoice batches: YYYYMMDDHHMMSS followed by a five
// digit counter derived from the milliseconds and a random draw.
package compostage

import (
	"fmt"
	"math/rand"
	"time"
)

// Length is the length of every generated token
const Length = 19

const layout = "20060102150405"

// Generate returns the token for now, in now's location.
func Generate(now time.Time) string {
	return format(now, rand.Intn(100))
}

func format(now time.Time, draw int) string {
	millis := now.Nanosecond() / int(time.Millisecond)
	counter := (millis*100 + draw) % 100000
	return fmt.Sprintf("%s%05d", now.Format(layout), counter)
}

// Parse returns the timestamp part of token in loc.
func Parse(token string, loc *time.Location) (time.Time, error) {
	if len(token) != Length {
		return time.Time{}, fmt.Errorf("compostage: want %d characters, got %d", Length, len(token))
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("compostage: non-digit character %q", r)
		}
	}
	return time.ParseInLocation(layout, token[:len(layout)], loc)
}
