package barto

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) *Expression {
	t.Helper()
	e, err := ParseExpression(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return e
}

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestParseFields(t *testing.T) {
	cases := []struct {
		expr  string
		field func(*Expression) fieldSpec
		want  []int
	}{
		{"*-*-* 3:00:00", func(e *Expression) fieldSpec { return e.hour }, []int{3}},
		{"*-*-* 3..7:00:00", func(e *Expression) fieldSpec { return e.hour }, []int{3, 4, 5, 6, 7}},
		{"*-*-* 3..7,10,0:00:00", func(e *Expression) fieldSpec { return e.hour }, []int{0, 3, 4, 5, 6, 7, 10}},
		{"*-*-* 14..18/2:00:00", func(e *Expression) fieldSpec { return e.hour }, []int{14, 16, 18}},
		{"*-*-* 0/2:00:00", func(e *Expression) fieldSpec { return e.hour }, []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22}},
		{"*-{01,04,07,10}-01 00:00:00", func(e *Expression) fieldSpec { return e.month }, []int{1, 4, 7, 10}},
		{"2024..2026-*-* 00:00:00", func(e *Expression) fieldSpec { return e.year }, []int{2024, 2025, 2026}},
		{"Mon..Thu,Sun,Sat *-*-* 3:22:17", func(e *Expression) fieldSpec { return e.dow }, []int{0, 1, 2, 3, 4, 6}},
		{"Fri..Mon *-*-* 0:0:0", func(e *Expression) fieldSpec { return e.dow }, []int{0, 1, 5, 6}},
		{"Monday..Friday *-*-* 0:0:0", func(e *Expression) fieldSpec { return e.dow }, []int{1, 2, 3, 4, 5}},
	}
	for _, c := range cases {
		e := mustParse(t, c.expr)
		got := c.field(e).values
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"this is a bad calendar",
		"nosuchshortcut",
		"*-* 3:11:17",
		"*-*-* 12:00",
		"*-*-* 24:00:00",
		"*-*-* 7..3:00:00",
		"*-13-* 00:00:00",
		"*-0-* 00:00:00",
		"*-*-32 00:00:00",
		"1969-*-* 00:00:00",
		"*-*-* 00:61:00",
		"Funday *-*-* 00:00:00",
		"*-*-* :00:00 extra words here",
	}
	for _, c := range cases {
		_, err := ParseExpression(c)
		if err == nil {
			t.Fatalf("%q: want error, got none", c)
		}
		if !errors.Is(err, ErrParse) {
			t.Fatalf("%q: error %v is not a parse error", c, err)
		}
	}
}

func TestShortcuts(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		// S1: daily fires at the next midnight.
		{"daily", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.January, 16, 0, 0, 0)},
		{"minutely", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.January, 15, 8, 43, 0)},
		{"hourly", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.January, 15, 9, 0, 0)},
		// 2025-01-15 is a Wednesday.
		{"weekly", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.January, 20, 0, 0, 0)},
		{"monthly", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.February, 1, 0, 0, 0)},
		{"quarterly", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.April, 1, 0, 0, 0)},
		{"semiannually", utc(2025, time.January, 15, 8, 42, 11), utc(2025, time.July, 1, 0, 0, 0)},
		{"yearly", utc(2025, time.January, 15, 8, 42, 11), utc(2026, time.January, 1, 0, 0, 0)},
	}
	for _, c := range cases {
		e := mustParse(t, c.name)
		got, err := e.NextFire(c.now)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !got.Equal(c.want) {
			t.Fatalf("%s from %v: got %v, want %v", c.name, c.now, got, c.want)
		}
	}
}

func TestNextFire(t *testing.T) {
	cases := []struct {
		expr string
		now  time.Time
		want time.Time
	}{
		// S3: first Monday in the first week of a month.
		{"Mon *-*-01..07 00:00:00", utc(2025, time.January, 15, 0, 0, 0), utc(2025, time.February, 3, 0, 0, 0)},
		// Exact instants advance by a full period.
		{"*-*-* 10:00:00", utc(2025, time.January, 15, 10, 0, 0), utc(2025, time.January, 16, 10, 0, 0)},
		// One second before the instant fires the same day.
		{"*-*-* 10:00:00", utc(2025, time.January, 15, 9, 59, 59), utc(2025, time.January, 15, 10, 0, 0)},
		// Short months carry into the next allowed day.
		{"*-*-31 00:00:00", utc(2025, time.February, 1, 0, 0, 0), utc(2025, time.March, 31, 0, 0, 0)},
		// Leap day.
		{"*-02-29 00:00:00", utc(2025, time.January, 1, 0, 0, 0), utc(2028, time.February, 29, 0, 0, 0)},
		// Hour list picks the next allowed hour.
		{"*-*-* 3,9,15:30:00", utc(2025, time.June, 2, 9, 30, 0), utc(2025, time.June, 2, 15, 30, 0)},
		// Year restricted to the future.
		{"2030-01-01 00:00:00", utc(2025, time.January, 1, 0, 0, 0), utc(2030, time.January, 1, 0, 0, 0)},
	}
	for _, c := range cases {
		e := mustParse(t, c.expr)
		got, err := e.NextFire(c.now)
		if err != nil {
			t.Fatalf("%q: %v", c.expr, err)
		}
		if !got.Equal(c.want) {
			t.Fatalf("%q from %v: got %v, want %v", c.expr, c.now, got, c.want)
		}
	}
}

func TestNextFireNoFuture(t *testing.T) {
	e := mustParse(t, "2024-01-01 00:00:00")
	_, err := e.NextFire(utc(2025, time.January, 1, 0, 0, 0))
	if !errors.Is(err, ErrNoFutureFire) {
		t.Fatalf("want ErrNoFutureFire, got %v", err)
	}
}

// S2: random minute and second stay inside their domains and keep the
// fixed fields.
func TestNextFireRandom(t *testing.T) {
	e := mustParse(t, "*-*-* 10:R:R")
	e.SetRand(rand.New(rand.NewSource(42)))
	now := utc(2025, time.January, 15, 9, 59, 59)
	for range 50 {
		got, err := e.NextFire(now)
		if err != nil {
			t.Fatal(err)
		}
		y, mo, d := got.Date()
		if y != 2025 || mo != time.January || d != 15 {
			t.Fatalf("wrong date: %v", got)
		}
		if got.Hour() != 10 {
			t.Fatalf("wrong hour: %v", got)
		}
		if got.Minute() < 0 || got.Minute() > 59 || got.Second() < 0 || got.Second() > 59 {
			t.Fatalf("out of domain: %v", got)
		}
	}
}

// A pinned random source draws fresh values on every call.
func TestNextFireRandomFreshDraw(t *testing.T) {
	e := mustParse(t, "*-*-* 10:R:R")
	e.SetRand(rand.New(rand.NewSource(1)))
	now := utc(2025, time.January, 15, 0, 0, 0)
	seen := make(map[time.Time]bool)
	for range 20 {
		got, err := e.NextFire(now)
		if err != nil {
			t.Fatal(err)
		}
		seen[got] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected varying draws, got %d distinct values", len(seen))
	}
}

// Random day draws stay below 29 so every month qualifies.
func TestNextFireRandomDay(t *testing.T) {
	e := mustParse(t, "*-*-R 00:00:00")
	e.SetRand(rand.New(rand.NewSource(7)))
	now := utc(2025, time.February, 1, 0, 0, 0)
	for range 50 {
		got, err := e.NextFire(now)
		if err != nil {
			t.Fatal(err)
		}
		if got.Day() > 28 {
			t.Fatalf("random day out of range: %v", got)
		}
	}
}

// Monotonicity: without R, next_fire(t) >= t+1s and iterating is
// strictly increasing.
func TestNextFireMonotonic(t *testing.T) {
	exprs := []string{
		"minutely",
		"daily",
		"Mon *-*-01..07 00:00:00",
		"*-*-* 3,9,15:30:00",
		"*-{01,04,07,10}-01 00:00:00",
	}
	for _, s := range exprs {
		e := mustParse(t, s)
		now := utc(2025, time.January, 15, 8, 42, 11)
		prev := now
		for range 20 {
			got, err := e.NextFire(prev)
			if err != nil {
				t.Fatalf("%q: %v", s, err)
			}
			if got.Before(prev.Add(time.Second)) {
				t.Fatalf("%q: %v fires before %v+1s", s, got, prev)
			}
			prev = got
		}
	}
}

// Validity: any returned instant satisfies every field predicate.
func TestNextFireValid(t *testing.T) {
	e := mustParse(t, "Mon,Wed *-{03,06}-01..14 6..8:15,45:30")
	now := utc(2025, time.January, 1, 0, 0, 0)
	for range 10 {
		got, err := e.NextFire(now)
		if err != nil {
			t.Fatal(err)
		}
		if wd := got.Weekday(); wd != time.Monday && wd != time.Wednesday {
			t.Fatalf("bad weekday: %v", got)
		}
		if mo := int(got.Month()); mo != 3 && mo != 6 {
			t.Fatalf("bad month: %v", got)
		}
		if got.Day() < 1 || got.Day() > 14 {
			t.Fatalf("bad day: %v", got)
		}
		if got.Hour() < 6 || got.Hour() > 8 {
			t.Fatalf("bad hour: %v", got)
		}
		if mi := got.Minute(); mi != 15 && mi != 45 {
			t.Fatalf("bad minute: %v", got)
		}
		if got.Second() != 30 {
			t.Fatalf("bad second: %v", got)
		}
		now = got
	}
}
