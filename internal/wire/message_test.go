package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	m := New("BEGIN_TRANSACTION")
	m.SetUint("NewCount", 42)
	m.Set("NewHash", "9F86D081884C7D65")
	m.Set("ID", "17")
	m.Set("leaderSendTime", "1719243981000000")
	m.Content = []byte("UPDATE accounts SET balance = balance + 1;")

	got, n, err := Parse(m.Serialize())
	require.NoError(t, err)
	require.Equal(t, len(m.Serialize()), n)
	require.Equal(t, "BEGIN_TRANSACTION", got.Method)
	require.Equal(t, uint64(42), got.Uint("NewCount"))
	require.Equal(t, "9F86D081884C7D65", got.Get("NewHash"))
	require.Equal(t, "17", got.Get("ID"))
	require.Equal(t, m.Content, got.Content)
	require.Equal(t, m.Len(), got.Len())
}

func TestMessage_HeaderKeysCaseInsensitive(t *testing.T) {
	m := New("LOGIN")
	m.Set("Priority", "100")

	if got := m.Get("priority"); got != "100" {
		t.Fatalf("expected case-insensitive lookup, got %q", got)
	}
	if !m.Has("PRIORITY") {
		t.Fatalf("expected Has to be case-insensitive")
	}

	m.Set("PRIORITY", "50")
	if got := m.Get("Priority"); got != "50" {
		t.Fatalf("expected overwrite through different casing, got %q", got)
	}

	// Serialization keeps the first-seen spelling.
	if !bytes.Contains(m.Serialize(), []byte("Priority: 50")) {
		t.Fatalf("expected original key spelling in output: %q", m.Serialize())
	}
}

func TestParse_Incomplete(t *testing.T) {
	m := New("STATE")
	m.Set("State", "LEADING")
	m.Content = []byte("payload")
	full := m.Serialize()

	for i := 0; i < len(full); i++ {
		_, _, err := Parse(full[:i])
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
	}
}

func TestParse_ConcatenatedMessages(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		c := New("COMMIT")
		c.SetUint("CommitIndex", uint64(i+1))
		c.Set("Hash", "ABC")
		c.Content = []byte("INSERT INTO t VALUES (1);")
		stream = append(stream, c.Serialize()...)
	}

	var methods []string
	for len(stream) > 0 {
		m, n, err := Parse(stream)
		require.NoError(t, err)
		methods = append(methods, m.Method)
		stream = stream[n:]
	}
	require.Equal(t, []string{"COMMIT", "COMMIT", "COMMIT"}, methods)
}

func TestParse_BareLFSeparator(t *testing.T) {
	raw := []byte("PING\nTimestamp: 12345\n\n")
	m, n, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.Equal(t, "PING", m.Method)
	require.Equal(t, uint64(12345), m.Uint("Timestamp"))
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty method":       []byte("\r\nFoo: bar\r\n\r\n"),
		"header without sep": []byte("STATE\r\njunkline\r\n\r\n"),
		"bad content length": []byte("STATE\r\nContent-Length: nope\r\n\r\n"),
	}
	for name, raw := range cases {
		if _, _, err := Parse(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	m := New("ESCALATE")
	m.Set("ID", "abc")
	m.Content = []byte("inner")

	cp := m.Clone()
	cp.Set("ID", "def")
	cp.Content[0] = 'X'

	if m.Get("ID") != "abc" || string(m.Content) != "inner" {
		t.Fatalf("clone mutated the original: %q %q", m.Get("ID"), m.Content)
	}
}
