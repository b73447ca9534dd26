// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package date

import (
	"testing"
	"time"
)

func TestFromTime(t *testing.T) {
	ref := time.Date(2022, time.March, 4, 5, 6, 7, 8, time.FixedZone("PDT", -7*3600))
	got := FromTime(ref)
	want := ref.UTC()
	if got.Year() != want.Year() || got.Month() != int(want.Month()) || got.Day() != want.Day() {
		t.Errorf("date parts: got %04d-%02d-%02d, want %04d-%02d-%02d",
			got.Year(), got.Month(), got.Day(), want.Year(), want.Month(), want.Day())
	}
	if got.Hour() != want.Hour() || got.Minute() != want.Minute() || got.Second() != want.Second() {
		t.Errorf("time parts: got %02d:%02d:%02d, want %02d:%02d:%02d",
			got.Hour(), got.Minute(), got.Second(), want.Hour(), want.Minute(), want.Second())
	}
	if got.Nanosecond() != want.Nanosecond() {
		t.Errorf("nanosecond: got %d, want %d", got.Nanosecond(), want.Nanosecond())
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		t    Time
		want string
	}{
		{date(2021, 4, 7, 12, 0, 0, 0), "2021-04-07 12:00:00 +0000 UTC"},
		{date(2021, 4, 7, 12, 0, 0, 123456789), "2021-04-07 12:00:00.123456789 +0000 UTC"},
	}
	for _, c := range cases {
		if got := c.t.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestEqual(t *testing.T) {
	a := date(2021, 4, 7, 12, 0, 0, 0)
	b := date(2021, 4, 7, 12, 0, 0, 0)
	c := date(2021, 4, 7, 12, 0, 0, 1)
	if !a.Equal(b) {
		t.Error("expected equal Times to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected differing Times to compare unequal")
	}
}

func TestNowIsRecent(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := Now()
	after := time.Now().Add(time.Second)
	gt := got.String()
	bt := FromTime(before).String()
	at := FromTime(after).String()
	if gt < bt || gt > at {
		t.Errorf("Now() = %s, expected between %s and %s", gt, bt, at)
	}
}
