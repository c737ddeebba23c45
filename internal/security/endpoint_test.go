package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (s staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	raw, ok := s[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]netip.Addr, len(raw))
	for i, r := range raw {
		out[i] = netip.MustParseAddr(r)
	}
	return out, nil
}

func TestValidateEndpointURLWith(t *testing.T) {
	r := staticResolver{
		"firewall.example.com": {"203.0.113.10"},
		"sneaky.example.com":   {"203.0.113.11", "10.0.0.5"},
		"cgnat.example.com":    {"100.64.1.1"},
	}

	cases := []struct {
		url     string
		blocked bool
		wantErr bool
	}{
		{"https://firewall.example.com/hooks/block", false, false},
		{"http://203.0.113.10:9000/", false, false},
		{"https://sneaky.example.com/", true, true},
		{"https://cgnat.example.com/", true, true},
		{"http://127.0.0.1/", true, true},
		{"http://[::1]/", true, true},
		{"http://[::ffff:10.1.2.3]/", true, true},
		{"http://169.254.169.254/latest/meta-data", true, true},
		{"http://0.0.0.0/", true, true},
		{"http://localhost:8080/", true, true},
		{"http://LOCALHOST./", true, true},
		{"http://metadata.google.internal/", true, true},
		{"https://unknown.example.com/", false, true},
		{"ftp://firewall.example.com/", false, true},
		{"https://user:pw@firewall.example.com/", false, true},
		{"https:///nohost", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			err := ValidateEndpointURLWith(context.Background(), r, tc.url)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.blocked, errors.Is(err, ErrBlockedTarget), err.Error())
		})
	}
}

func TestValidateEndpointURLFormat(t *testing.T) {
	assert.NoError(t, ValidateEndpointURLFormat("http://10.0.0.5:8443/block"))
	assert.NoError(t, ValidateEndpointURLFormat("http://localhost/hook"))
	assert.Error(t, ValidateEndpointURLFormat("gopher://10.0.0.5"))
	assert.Error(t, ValidateEndpointURLFormat("://bad"))
}
