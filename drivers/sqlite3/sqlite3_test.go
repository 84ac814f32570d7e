package sqlite3

import (
	"errors"
	"testing"

	gosqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"github.com/edgardcham/nomad/nomaderr"
)

func TestMapError_SQLiteErrorIncludesCodes(t *testing.T) {
	d := &Driver{cfg: DefaultConfig()}
	sqliteErr := gosqlite3.Error{Code: gosqlite3.ErrConstraint}
	e := d.MapError(sqliteErr)
	assert.Contains(t, e.Message, "SQLite error")
}

func TestMapError_NonSQLiteErrorIsConnectionKind(t *testing.T) {
	d := &Driver{cfg: DefaultConfig()}
	e := d.MapError(errors.New("unable to open database file"))
	assert.Equal(t, nomaderr.KindConnection, e.Kind)
	assert.Contains(t, e.Message, "unable to open database file")
}

func TestQuoteIdent_DoublesEmbeddedQuote(t *testing.T) {
	d := &Driver{cfg: DefaultConfig()}
	assert.Equal(t, `"foo""bar"`, d.QuoteIdent(`foo"bar`))
}

func TestOpen_RejectsWrongScheme(t *testing.T) {
	_, err := Open("postgres://x")
	assert.Error(t, err)
}
