package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Target
	}{
		{
			name: "plain http",
			raw:  "http://example.com/page",
			want: Target{Host: "example.com", Port: 80, Path: "/page"},
		},
		{
			name: "https default port",
			raw:  "https://example.com",
			want: Target{Host: "example.com", Port: 443, Path: "/", TLS: true},
		},
		{
			name: "missing path becomes root",
			raw:  "http://example.com",
			want: Target{Host: "example.com", Port: 80, Path: "/"},
		},
		{
			name: "explicit port",
			raw:  "http://example.com:8080/x",
			want: Target{Host: "example.com", Port: 8080, Path: "/x"},
		},
		{
			name: "query stays in path",
			raw:  "http://example.com/search?q=1",
			want: Target{Host: "example.com", Port: 80, Path: "/search?q=1"},
		},
		{
			name: "onion host flagged",
			raw:  "http://duckduckgogg42xjoc72x3sjasowoarfbgcmvfimaftt6twagswzczad.onion/",
			want: Target{Host: "duckduckgogg42xjoc72x3sjasowoarfbgcmvfimaftt6twagswzczad.onion", Port: 80, Path: "/", Onion: true},
		},
		{
			name: "bracketed ipv6 with port",
			raw:  "http://[::1]:8080/x",
			want: Target{Host: "::1", Port: 8080, Path: "/x"},
		},
		{
			name: "bracketed ipv6 default port",
			raw:  "https://[2001:db8::1]/",
			want: Target{Host: "2001:db8::1", Port: 443, Path: "/", TLS: true},
		},
		{
			name: "onion https",
			raw:  "https://facebookwkhpilnemxj7asaniu7vnjjbiltxjqhye3mhbshg7kx5tfyd.onion",
			want: Target{Host: "facebookwkhpilnemxj7asaniu7vnjjbiltxjqhye3mhbshg7kx5tfyd.onion", Port: 443, Path: "/", TLS: true, Onion: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseURLErrors(t *testing.T) {
	for _, raw := range []string{
		"example.com",
		"ftp://example.com",
		"http://",
		"http:///path",
		"http://example.com:notaport/",
		"http://[::1/",
		"http://[::1]junk/",
		"http://[::1]:notaport/",
		"http://[]/",
	} {
		_, err := ParseURL(raw)
		assert.ErrorIs(t, err, ErrBadURL, raw)
	}
}

func TestHTTPRequestFormat(t *testing.T) {
	req := httpRequest("/status", "example.com")
	assert.Equal(t, "GET /status HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n", string(req))
}
