package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecdns/vecdns/internal/dns"
)

func TestDefaultRecordSet(t *testing.T) {
	rs := DefaultRecordSet()
	require.Len(t, rs.Answers, 1)
	assert.Equal(t, "", rs.Answers[0].Name, "answer binds to the question name")
	assert.Equal(t, []byte{127, 0, 0, 1}, rs.Answers[0].RData)
	require.Len(t, rs.Authority, 1)
	assert.Equal(t, uint16(dns.TypeNS), rs.Authority[0].Type)
	require.Len(t, rs.Additional, 2)
	assert.Equal(t, uint16(dns.TypeA), rs.Additional[0].Type)
	assert.Equal(t, uint16(dns.TypeAAAA), rs.Additional[1].Type)
}

func TestStaticResolve(t *testing.T) {
	rs := DefaultRecordSet()
	q := dns.NewQuery(dns.TransportUDP)
	q.QNameStr = "www.example.com."
	q.QType = uint16(dns.TypeA)

	Static{}.Resolve(q, rs)

	assert.Equal(t, dns.EndNoError, q.EndCode)
	assert.Len(t, q.Answer, 1)
	assert.Len(t, q.Authority, 1)
	assert.Len(t, q.Additional, 2)
}

func TestStaticResolve_NilRecords(t *testing.T) {
	q := dns.NewQuery(dns.TransportUDP)
	Static{}.Resolve(q, nil)
	assert.Equal(t, dns.EndServFail, q.EndCode)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records")
	require.NoError(t, os.WriteFile(path, []byte(`
# reference answers
answer @ 300 A 10.1.2.3
authority example.org. 3600 NS ns1.example.org.
additional ns1.example.org. 3600 A 10.1.2.4
additional ns1.example.org. 3600 AAAA 2001:db8::4
`), 0o644))

	rs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rs.Answers, 1)
	assert.Equal(t, "", rs.Answers[0].Name)
	assert.Equal(t, []byte{10, 1, 2, 3}, rs.Answers[0].RData)
	assert.Len(t, rs.Authority, 1)
	assert.Len(t, rs.Additional, 2)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"no answers", "authority x. 60 NS ns.x.\n"},
		{"bad section", "bogus @ 60 A 1.2.3.4\n"},
		{"bad ttl", "answer @ x A 1.2.3.4\n"},
		{"bad type", "answer @ 60 TXT hello\n"},
		{"bad ip", "answer @ 60 A not-an-ip\n"},
		{"undotted name", "answer host 60 A 1.2.3.4\n"},
		{"field count", "answer @ 60 A\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(dir, tt.name)
			require.NoError(t, os.WriteFile(p, []byte(tt.body), 0o644))
			_, err := LoadFile(p)
			assert.Error(t, err)
		})
	}
}
