package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) (*int, *int) { return &hour, &minute }

func TestNextFireAt(t *testing.T) {
	now := time.Date(2030, 3, 6, 10, 15, 0, 0, time.UTC) // a Wednesday
	h9, m30 := at(9, 30)
	h12, m0 := at(12, 0)

	tests := []struct {
		name string
		spec ScheduleSpec
		want time.Time
	}{
		{"daily later today", ScheduleSpec{Type: ScheduleDaily, Hour: h12, Minute: m0}, time.Date(2030, 3, 6, 12, 0, 0, 0, time.UTC)},
		{"daily tomorrow", ScheduleSpec{Type: ScheduleDaily, Hour: h9, Minute: m30}, time.Date(2030, 3, 7, 9, 30, 0, 0, time.UTC)},
		{"daily defaults to midnight", ScheduleSpec{Type: ScheduleDaily}, time.Date(2030, 3, 7, 0, 0, 0, 0, time.UTC)},
		{"weekly by index", ScheduleSpec{Type: ScheduleWeekly, Hour: h9, Minute: m30, DayOfWeek: ParseDayOfWeek("4")}, time.Date(2030, 3, 8, 9, 30, 0, 0, time.UTC)},
		{"weekly by name", ScheduleSpec{Type: ScheduleWeekly, Hour: h9, Minute: m30, DayOfWeek: ParseDayOfWeek("Sunday")}, time.Date(2030, 3, 10, 9, 30, 0, 0, time.UTC)},
		{"weekly defaults to monday", ScheduleSpec{Type: ScheduleWeekly, Hour: h9, Minute: m30}, time.Date(2030, 3, 11, 9, 30, 0, 0, time.UTC)},
		{"custom", ScheduleSpec{Type: ScheduleCustom, CronExpression: "*/20 * * * *"}, time.Date(2030, 3, 6, 10, 20, 0, 0, time.UTC)},
		{"hourly", ScheduleSpec{Type: ScheduleHourly}, time.Date(2030, 3, 6, 11, 15, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextFireAt(tc.spec, now)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, tc.want.Equal(*got), "want %s got %s", tc.want, got)

			again, err := NextFireAt(tc.spec, now)
			require.NoError(t, err)
			assert.Equal(t, *got, *again)
		})
	}
}

func TestNextFireAtManual(t *testing.T) {
	got, err := NextFireAt(ScheduleSpec{Type: ScheduleManual}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInvalidSchedules(t *testing.T) {
	h24, m0 := at(24, 0)
	h1, m60 := at(1, 60)
	tests := []struct {
		name string
		spec ScheduleSpec
	}{
		{"four fields", ScheduleSpec{Type: ScheduleCustom, CronExpression: "* * * *"}},
		{"six fields", ScheduleSpec{Type: ScheduleCustom, CronExpression: "0 * * * * *"}},
		{"descriptor", ScheduleSpec{Type: ScheduleCustom, CronExpression: "@daily"}},
		{"empty custom", ScheduleSpec{Type: ScheduleCustom}},
		{"bad field", ScheduleSpec{Type: ScheduleCustom, CronExpression: "61 * * * *"}},
		{"hour out of range", ScheduleSpec{Type: ScheduleDaily, Hour: h24, Minute: m0}},
		{"minute out of range", ScheduleSpec{Type: ScheduleDaily, Hour: h1, Minute: m60}},
		{"unknown day", ScheduleSpec{Type: ScheduleWeekly, DayOfWeek: ParseDayOfWeek("someday")}},
		{"day index out of range", ScheduleSpec{Type: ScheduleWeekly, DayOfWeek: ParseDayOfWeek("7")}},
		{"unknown type", ScheduleSpec{Type: "yearly"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.spec.Validate(), ErrInvalidSchedule)
			_, err := NextFireAt(tc.spec, time.Now())
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestParseDayOfWeek(t *testing.T) {
	assert.Equal(t, DayOfWeek("mon"), ParseDayOfWeek("0"))
	assert.Equal(t, DayOfWeek("sun"), ParseDayOfWeek("6"))
	assert.Equal(t, DayOfWeek("fri"), ParseDayOfWeek(" FRIDAY "))
	assert.Equal(t, DayOfWeek("tue"), ParseDayOfWeek("Tue"))
}

func TestScheduleSpecJSON(t *testing.T) {
	var spec ScheduleSpec
	require.NoError(t, json.Unmarshal([]byte(`{"type":"weekly","hour":7,"minute":5,"day_of_week":2}`), &spec))
	assert.Equal(t, DayOfWeek("wed"), spec.DayOfWeek)
	assert.Equal(t, "weekly on wed at 07:05", spec.Describe())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"weekly","day_of_week":"Saturday"}`), &spec))
	assert.Equal(t, DayOfWeek("sat"), spec.DayOfWeek)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"weekly","day_of_week":true}`), &spec))
}

func TestNextOccurrences(t *testing.T) {
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	times, err := NextOccurrences(ScheduleSpec{Type: ScheduleCustom, CronExpression: "0 */6 * * *"}, base, 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	assert.Equal(t, 6, times[0].Hour())
	assert.Equal(t, 12, times[1].Hour())
	assert.Equal(t, 18, times[2].Hour())

	times, err = NextOccurrences(ScheduleSpec{Type: ScheduleManual}, base, 3)
	require.NoError(t, err)
	assert.Empty(t, times)
}

func TestDescribe(t *testing.T) {
	h9, m5 := at(9, 5)
	assert.Equal(t, "manual", ScheduleSpec{Type: ScheduleManual}.Describe())
	assert.Equal(t, "every hour", ScheduleSpec{Type: ScheduleHourly}.Describe())
	assert.Equal(t, "daily at 09:05", ScheduleSpec{Type: ScheduleDaily, Hour: h9, Minute: m5}.Describe())
	assert.Equal(t, "cron[0 1 * * *]", ScheduleSpec{Type: ScheduleCustom, CronExpression: " 0  1 * * * "}.Describe())
}
