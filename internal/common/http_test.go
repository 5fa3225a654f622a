package common_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hostpay/internal/common"
)

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{name: "first forwarded hop", xff: "203.0.113.9, 10.0.0.1", remote: "10.0.0.2:4000", want: "203.0.113.9"},
		{name: "skips garbage hops", xff: "unknown, 198.51.100.7", remote: "10.0.0.2:4000", want: "198.51.100.7"},
		{name: "real ip header", realIP: "2001:db8::1", remote: "10.0.0.2:4000", want: "2001:db8::1"},
		{name: "peer address", remote: "192.0.2.4:5555", want: "192.0.2.4"},
		{name: "mapped v4 peer", remote: "[::ffff:192.0.2.5]:80", want: "192.0.2.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			require.Equal(t, tc.want, common.ClientIP(req))
		})
	}
}
