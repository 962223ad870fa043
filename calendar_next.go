package barto

import (
	"math/rand"
	"sync"
	"time"
)

var (
	sharedRndMu sync.Mutex
	sharedRnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NextFire returns the first whole-second instant at least one second
// after now that satisfies the expression. R fields draw a fresh value on every call, so for
// expressions containing R the result is a one-shot prediction.
// Returns ErrNoFutureFire once the year domain is exhausted.
func (e *Expression) NextFire(now time.Time) (time.Time, error) {
	years := e.resolve(e.year)
	months := e.resolve(e.month)
	days := e.resolve(e.day)
	hours := e.resolve(e.hour)
	minutes := e.resolve(e.minute)
	seconds := e.resolve(e.second)

	start := now.UTC().Truncate(time.Second).Add(time.Second)
	if start.Before(now.UTC().Add(time.Second)) {
		// now fell mid-second; keep the full one-second gap.
		start = start.Add(time.Second)
	}
	sy, sm, sd := start.Year(), int(start.Month()), start.Day()

	for _, y := range years {
		if y < sy {
			continue
		}
		for _, mo := range months {
			if y == sy && mo < sm {
				continue
			}
			for _, d := range days {
				if d > daysIn(y, mo) {
					continue
				}
				if y == sy && mo == sm && d < sd {
					continue
				}
				wd := int(time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC).Weekday())
				if !e.dow.allows(wd) {
					continue
				}
				sameDay := y == sy && mo == sm && d == sd
				for _, h := range hours {
					if sameDay && h < start.Hour() {
						continue
					}
					sameHour := sameDay && h == start.Hour()
					for _, mi := range minutes {
						if sameHour && mi < start.Minute() {
							continue
						}
						sameMinute := sameHour && mi == start.Minute()
						for _, sec := range seconds {
							if sameMinute && sec < start.Second() {
								continue
							}
							return time.Date(y, time.Month(mo), d, h, mi, sec, 0, time.UTC), nil
						}
					}
				}
			}
		}
	}
	return time.Time{}, ErrNoFutureFire
}

// resolve materializes a field's value set for one NextFire call.
func (e *Expression) resolve(s fieldSpec) []int {
	switch {
	case s.random:
		return []int{s.min + e.intn(s.max-s.min+1)}
	case s.all:
		vals := make([]int, 0, s.max-s.min+1)
		for v := s.min; v <= s.max; v++ {
			vals = append(vals, v)
		}
		return vals
	default:
		return s.values
	}
}

func (e *Expression) intn(n int) int {
	if e.rnd != nil {
		return e.rnd.Intn(n)
	}
	sharedRndMu.Lock()
	defer sharedRndMu.Unlock()
	return sharedRnd.Intn(n)
}

func daysIn(year, month int) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
