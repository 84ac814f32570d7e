package checksum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum_Deterministic(t *testing.T) {
	b := []byte("CREATE TABLE users (id int);\n")
	assert.Equal(t, Sum(b), Sum(b))
	assert.Len(t, Sum(b), 64)
	assert.Equal(t, strings.ToLower(Sum(b)), Sum(b))
}

func TestSum_CRLFInsensitive(t *testing.T) {
	lf := []byte("line one\nline two\n")
	crlf := []byte("line one\r\nline two\r\n")
	assert.Equal(t, Sum(lf), Sum(crlf))
}

func TestSum_BareCRTranslated(t *testing.T) {
	lf := []byte("a\nb\n")
	cr := []byte("a\rb\r")
	assert.Equal(t, Sum(lf), Sum(cr))
}

func TestSum_BOMIdempotence(t *testing.T) {
	b := []byte("SELECT 1;")
	withBOM := append([]byte{0xEF, 0xBB, 0xBF}, b...)
	assert.Equal(t, Sum(b), Sum(withBOM))

	doubleBOM := append([]byte{0xEF, 0xBB, 0xBF}, withBOM...)
	assert.NotEqual(t, Sum(b), Sum(doubleBOM))
}

func TestVerify(t *testing.T) {
	b := []byte("CREATE TABLE t (id int);")
	sum := Sum(b)

	assert.True(t, Verify(b, sum))
	assert.True(t, Verify(b, strings.ToUpper(sum)))
	assert.False(t, Verify(b, ""))
	assert.False(t, Verify(b, "deadbeef"))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(strings.Repeat("a", 64)))
	assert.True(t, IsValid(strings.Repeat("F", 64)))
	assert.False(t, IsValid(strings.Repeat("a", 63)))
	assert.False(t, IsValid(strings.Repeat("g", 64)))
	assert.False(t, IsValid(""))
}
