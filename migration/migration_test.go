package migration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgardcham/nomad/direction"
)

func TestFiles_ByVersionFindsMatch(t *testing.T) {
	fs := Files{
		{Version: 1, Name: "a"},
		{Version: 2, Name: "b"},
	}
	f, ok := fs.ByVersion(2)
	assert.True(t, ok)
	assert.Equal(t, "b", f.Name)

	_, ok = fs.ByVersion(3)
	assert.False(t, ok)
}

func TestAppliedRecord_IsActive(t *testing.T) {
	applied := AppliedRecord{AppliedAt: time.Now()}
	assert.True(t, applied.IsActive())

	notYetApplied := AppliedRecord{}
	assert.False(t, notYetApplied.IsActive())

	rolledBackAt := time.Now()
	rolledBack := AppliedRecord{AppliedAt: time.Now().Add(-time.Hour), RolledBackAt: &rolledBackAt}
	assert.False(t, rolledBack.IsActive())
}

func TestTagFilter_EmptyMatchesNoFile(t *testing.T) {
	var tf TagFilter
	assert.True(t, tf.Empty())
	assert.False(t, tf.Matches(File{Tags: map[string]struct{}{"seed": {}}}))
}

func TestTagFilter_OnlyTaggedRequiresAnyTag(t *testing.T) {
	tf := TagFilter{OnlyTagged: true}
	assert.True(t, tf.Matches(File{Tags: map[string]struct{}{"seed": {}}}))
	assert.False(t, tf.Matches(File{}))
}

func TestTagFilter_SpecificTagsRequireIntersection(t *testing.T) {
	tf := TagFilter{Tags: map[string]struct{}{"seed": {}}}
	assert.True(t, tf.Matches(File{Tags: map[string]struct{}{"seed": {}, "users": {}}}))
	assert.False(t, tf.Matches(File{Tags: map[string]struct{}{"users": {}}}))
}

func TestParsed_SectionPicksUpOrDown(t *testing.T) {
	p := Parsed{
		Up:   Section{Statements: []Statement{{SQL: "up"}}},
		Down: Section{Statements: []Statement{{SQL: "down"}}},
	}
	assert.Equal(t, "up", p.Section(direction.Up).Statements[0].SQL)
	assert.Equal(t, "down", p.Section(direction.Down).Statements[0].SQL)
}

func TestParsed_HasTag(t *testing.T) {
	p := Parsed{Tags: map[string]struct{}{"seed": {}}}
	assert.True(t, p.HasTag("seed"))
	assert.False(t, p.HasTag("users"))
}
