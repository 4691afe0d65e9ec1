package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecord_Helpers(t *testing.T) {
	rec := Record{
		"str":    "hello",
		"num":    42.5,
		"numstr": " 12 ",
		"flag":   true,
		"time":   "2025-01-01T10:00:00Z",
		"nil":    nil,
	}

	t.Run("NilRecord", func(t *testing.T) {
		var empty Record
		assert.Equal(t, "", empty.GetString("any"))
		_, ok := empty.GetFloat("any")
		assert.False(t, ok)
		assert.False(t, empty.Has("any"))
	})

	t.Run("Strings", func(t *testing.T) {
		assert.Equal(t, "hello", rec.GetString("str"))
		assert.Equal(t, "42.5", rec.GetString("num"))
		assert.Equal(t, "true", rec.GetString("flag"))
		assert.Equal(t, "", rec.GetString("nil"))
	})

	t.Run("Floats", func(t *testing.T) {
		f, ok := rec.GetFloat("num")
		assert.True(t, ok)
		assert.Equal(t, 42.5, f)
		f, ok = rec.GetFloat("numstr")
		assert.True(t, ok)
		assert.Equal(t, 12.0, f)
		_, ok = rec.GetFloat("str")
		assert.False(t, ok)
	})

	t.Run("Time", func(t *testing.T) {
		assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), rec.GetTime("time"))
		assert.True(t, rec.GetTime("str").IsZero())
	})
}

func TestParseTime(t *testing.T) {
	assert.True(t, ParseTime("0001-01-01T00:00:00Z").IsZero())
	assert.True(t, ParseTime("").IsZero())
	assert.True(t, ParseTime("yesterday").IsZero())
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), ParseTime("2024-03-05"))
	assert.Equal(t, time.Date(2024, 3, 5, 7, 0, 0, 0, time.UTC), ParseTime("2024-03-05T10:00:00+03:00"))
}

func TestBCTask_Timestamps(t *testing.T) {
	task := &BCTask{SystemModifiedAt: "2025-02-01T00:00:00Z", LastModifiedDateTime: "0001-01-01T00:00:00Z"}
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), task.ModifiedTime())

	_, ok := task.LastSyncTime()
	assert.False(t, ok)
	task.LastSyncAt = "2025-02-02T00:00:00Z"
	ts, ok := task.LastSyncTime()
	assert.True(t, ok)
	assert.Equal(t, 2, ts.Day())
}

func TestSyncSummary_Merge(t *testing.T) {
	s := SyncSummary{Projects: 1, Created: 2, ProjectNos: []string{"P2"}}
	s.Merge(SyncSummary{Projects: 1, Updated: 3, Errors: 1, ProjectNos: []string{"P1", "P2", ""}})

	assert.Equal(t, 2, s.Projects)
	assert.Equal(t, 5, s.Writes())
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, []string{"P1", "P2"}, s.ProjectNos)
}

func TestSummaryCounter(t *testing.T) {
	var c SummaryCounter
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			c.Add(func(s *SyncSummary) { s.Tasks++ })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 10, c.Snapshot().Tasks)
}
