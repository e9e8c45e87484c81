package session

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	resolver, err := NewClientIPResolver(nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"DirectPeer", "203.0.113.5:4242", nil, "203.0.113.5"},
		{"UntrustedPeerIgnoresXFF", "203.0.113.5:4242", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.5"},
		{"TrustedPeerFirstXFF", "10.0.0.2:80", map[string]string{"X-Forwarded-For": "garbage, 198.51.100.7, 10.0.0.1"}, "198.51.100.7"},
		{"TrustedPeerRealIP", "127.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.8"}, "198.51.100.8"},
		{"TrustedPeerForwarded", "192.168.1.1:80", map[string]string{"Forwarded": `for="[2001:db8::1]:443";proto=https`}, "2001:db8::1"},
		{"TrustedPeerNoHeaders", "10.1.1.1:80", nil, "10.1.1.1"},
		{"Unparseable", "not-an-address", nil, UnknownIP},
		{"Empty", "", nil, UnknownIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, resolver.ClientIP(r))
		})
	}
}

func TestClientIPNoTrustedProxies(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{})
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:1"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, "127.0.0.1", resolver.ClientIP(r))
}

func TestParseTrustedProxies(t *testing.T) {
	p, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", " "})
	require.NoError(t, err)
	assert.Len(t, p, 2)

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestBindingMatches(t *testing.T) {
	assert.True(t, BindExact.Matches("203.0.113.1", "203.0.113.1"))
	assert.False(t, BindExact.Matches("203.0.113.1", "203.0.113.2"))
	assert.True(t, BindExact.Matches(UnknownIP, UnknownIP))
	assert.False(t, BindExact.Matches(UnknownIP, "203.0.113.1"))

	assert.True(t, BindPrefix.Matches("203.0.113.1", "203.0.113.200"))
	assert.False(t, BindPrefix.Matches("203.0.113.1", "203.0.112.1"))
	assert.True(t, BindPrefix.Matches("2001:db8:1:2::1", "2001:db8:1:2:ffff::9"))
	assert.False(t, BindPrefix.Matches("2001:db8:1:2::1", "2001:db8:1:3::1"))
	assert.False(t, BindPrefix.Matches("203.0.113.1", "2001:db8::1"))
	assert.False(t, BindPrefix.Matches(UnknownIP, "203.0.113.1"))

	assert.True(t, BindOff.Matches("203.0.113.1", "198.51.100.1"))
}

func TestParseBinding(t *testing.T) {
	b, err := ParseBinding("")
	require.NoError(t, err)
	assert.Equal(t, BindExact, b)
	_, err = ParseBinding("subnet")
	assert.Error(t, err)
}
